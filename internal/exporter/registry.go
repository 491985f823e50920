package exporter

// registrationCache remembers which declarations were sent on the current
// connection. It is owned by the delivery loop and is not synchronized.
type registrationCache struct {
	seen map[string]struct{}
}

func newRegistrationCache() *registrationCache {
	return &registrationCache{
		seen: make(map[string]struct{}, 64),
	}
}

func (c *registrationCache) contains(fingerprint string) bool {
	_, ok := c.seen[fingerprint]

	return ok
}

func (c *registrationCache) mark(fingerprint string) {
	c.seen[fingerprint] = struct{}{}
}

// reset forgets every declaration. Called once per new connection.
func (c *registrationCache) reset() {
	clear(c.seen)
}

func (c *registrationCache) len() int {
	return len(c.seen)
}
