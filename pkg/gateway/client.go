package gateway

import "sync"

// connWriters serializes writes per connection; gorilla connections do not
// support concurrent writers and both the broadcaster and RPC response
// paths write to the same socket.
var connWriters sync.Map

func (c *Client) writeLock() *sync.Mutex {
	l, _ := connWriters.LoadOrStore(c.ID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// WriteJSON writes a JSON message to the client, serialized per connection.
func (c *Client) WriteJSON(v any) error {
	l := c.writeLock()
	l.Lock()
	defer l.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a raw message to the client, serialized per connection.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	l := c.writeLock()
	l.Lock()
	defer l.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) releaseWriter() {
	connWriters.Delete(c.ID)
}
