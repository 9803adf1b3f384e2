package http_client

import "sync"

var (
	gMu      sync.RWMutex
	gClients *HTTPClientsComponent
)

func SetGlobalHTTPClients(c *HTTPClientsComponent) {
	gMu.Lock()
	gClients = c
	gMu.Unlock()
}

// Client returns the named client, or nil when the component is absent.
func Client(name string) *InstrumentedClient {
	gMu.RLock()
	c := gClients
	gMu.RUnlock()
	if c == nil {
		return nil
	}
	cli, _ := c.Client(name)
	return cli
}
