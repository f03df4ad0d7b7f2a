package control

import "net"

// Client is a thin one-shot-per-call dialer for sadmin-ctl.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) call(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()
	if err := WriteMessage(conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) ListServices() (Response, error) {
	return c.call(Request{Op: OpListServices})
}

func (c *Client) GetService(name string) (Response, error) {
	return c.call(Request{Op: OpGetService, Name: name})
}

func (c *Client) StopService(name string) (Response, error) {
	return c.call(Request{Op: OpStopService, Name: name})
}

func (c *Client) RestartService(name string) (Response, error) {
	return c.call(Request{Op: OpRestartService, Name: name})
}
