package proc

import "context"

type messageOp int

const (
	msgAttach messageOp = iota
	msgExec
	msgDetach
	msgBreak
	msgCall
)

// message is a request executed by the event loop. reply is buffered so the
// loop never blocks on a caller that gave up.
type message struct {
	op       messageOp
	pid      int
	handle   Handle
	handlers Handlers
	opts     Options
	path     string
	argv     []string
	fn       func(*Core) error

	reply chan result
}

type result struct {
	handle Handle
	err    error
}

func (c *Core) send(ctx context.Context, m *message) (result, error) {
	m.reply = make(chan result, 1)
	select {
	case c.queue <- m:
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-m.reply:
		return r, r.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (c *Core) handle(m *message) {
	var r result
	switch m.op {
	case msgAttach:
		p, err := c.Attach(m.pid, m.handlers, m.opts)
		if err == nil {
			r.handle = p.Handle()
		}
		r.err = err
	case msgExec:
		p, err := c.Exec(m.path, m.argv, m.handlers, m.opts)
		if err == nil {
			r.handle = p.Handle()
		}
		r.err = err
	case msgDetach:
		p, err := c.Lookup(m.handle)
		if err == nil {
			err = c.Detach(p)
		}
		r.err = err
	case msgBreak:
		p, err := c.Lookup(m.handle)
		if err == nil {
			err = c.Break(p)
		}
		r.err = err
	case msgCall:
		r.err = m.fn(c)
	}
	m.reply <- r
}

// AttachRemote is Attach for goroutines other than the event loop.
func (c *Core) AttachRemote(ctx context.Context, pid int, h Handlers, opts Options) (Handle, error) {
	r, err := c.send(ctx, &message{op: msgAttach, pid: pid, handlers: h, opts: opts})
	return r.handle, err
}

// ExecRemote is Exec for goroutines other than the event loop.
func (c *Core) ExecRemote(ctx context.Context, path string, argv []string, h Handlers, opts Options) (Handle, error) {
	r, err := c.send(ctx, &message{op: msgExec, path: path, argv: argv, handlers: h, opts: opts})
	return r.handle, err
}

// DetachRemote detaches the process identified by h.
func (c *Core) DetachRemote(ctx context.Context, h Handle) error {
	_, err := c.send(ctx, &message{op: msgDetach, handle: h})
	return err
}

// BreakRemote breaks into the process identified by h.
func (c *Core) BreakRemote(ctx context.Context, h Handle) error {
	_, err := c.send(ctx, &message{op: msgBreak, handle: h})
	return err
}

// Call runs fn on the event loop and returns its error. fn may use every
// method of the core and its processes.
func (c *Core) Call(ctx context.Context, fn func(*Core) error) error {
	_, err := c.send(ctx, &message{op: msgCall, fn: fn})
	return err
}
