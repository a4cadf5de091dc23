package proc

import (
	"cmp"
	"context"
	"iter"
	"runtime"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/monsterxx03/tracer/pkg/avl"
	"github.com/monsterxx03/tracer/pkg/logflags"
)

type CoreOptions uint32

const (
	// CoreOptionAutoQuit makes Run return once the last process is gone.
	CoreOptionAutoQuit CoreOptions = 1 << iota
)

const queueSize = 64

// Core owns the traced processes and runs the event loop. The registries
// are only touched by the goroutine running Run; other goroutines talk to
// it with the *Remote methods and Call.
type Core struct {
	platform  Platform
	options   CoreOptions
	processes *avl.Tree[*Process]

	queue   chan *message
	wake    chan struct{}
	quit    atomic.Bool
	running atomic.Bool
	log     *logrus.Entry
}

// NewCore returns a core driving platform.
func NewCore(platform Platform, opts CoreOptions) *Core {
	return &Core{
		platform:  platform,
		options:   opts,
		processes: avl.New(func(a, b *Process) int { return cmp.Compare(a.PID, b.PID) }),
		queue:     make(chan *message, queueSize),
		wake:      make(chan struct{}, 1),
		log:       logflags.Core(),
	}
}

func (c *Core) Options() CoreOptions { return c.options }
func (c *Core) Platform() Platform   { return c.platform }

// Process returns the traced process with the given pid, or nil.
func (c *Core) Process(pid int) *Process {
	n := c.processes.Search(func(p *Process) int { return cmp.Compare(pid, p.PID) })
	if n == nil {
		return nil
	}
	return n.Value
}

// Lookup resolves a handle, failing with KindInvalidHandle when the pid now
// belongs to a different process.
func (c *Core) Lookup(h Handle) (*Process, error) {
	p := c.Process(h.PID)
	if p == nil {
		return nil, errorf(KindNotFound, "lookup", "no traced process %d", h.PID)
	}
	if p.created != h.Created {
		return nil, errorf(KindInvalidHandle, "lookup", "handle %s is stale", h)
	}
	if err := c.owns("lookup", p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Core) owns(op string, p *Process) error {
	if p.core != c {
		return errorf(KindInvalidCore, op, "process %d belongs to another core", p.PID)
	}
	return nil
}

// Detach detaches p, which must be traced by c.
func (c *Core) Detach(p *Process) error {
	if err := c.owns("detach", p); err != nil {
		return err
	}
	return p.Detach()
}

// Break breaks into p, which must be traced by c.
func (c *Core) Break(p *Process) error {
	if err := c.owns("break", p); err != nil {
		return err
	}
	return p.Break()
}

// Processes yields the traced processes in pid order.
func (c *Core) Processes() iter.Seq[*Process] { return c.processes.All() }

func (c *Core) ProcessCount() int { return c.processes.Len() }

// Attach starts tracing pid. The process is returned in StateInit; the
// Attached handlers run once the platform confirms the attach.
func (c *Core) Attach(pid int, h Handlers, opts Options) (*Process, error) {
	if pid <= 0 {
		return nil, errorf(KindInvalidArgument, "attach", "bad pid %d", pid)
	}
	if c.Process(pid) != nil {
		return nil, errorf(KindAlreadyExists, "attach", "process %d is already traced", pid)
	}
	p := newProcess(c, pid, h, opts)
	t, err := c.platform.Attach(pid)
	if err != nil {
		return nil, externalError("attach", err)
	}
	c.link(p, t)
	c.log.WithField("pid", pid).Info("attaching")
	return p, nil
}

// Exec starts path under trace. argv includes the program name.
func (c *Core) Exec(path string, argv []string, h Handlers, opts Options) (*Process, error) {
	ex, ok := c.platform.(Execer)
	if !ok {
		return nil, errorf(KindUnsupported, "exec", "platform cannot start programs")
	}
	if len(argv) == 0 {
		argv = []string{path}
	}
	t, err := ex.Exec(path, argv)
	if err != nil {
		return nil, externalError("exec", err)
	}
	if c.Process(t.PID()) != nil {
		if err := multierror.Append(t.Detach(), t.Close()).ErrorOrNil(); err != nil {
			c.log.WithError(err).WithField("pid", t.PID()).Warn("release duplicate program")
		}
		return nil, errorf(KindAlreadyExists, "exec", "process %d is already traced", t.PID())
	}
	p := newProcess(c, t.PID(), h, opts)
	c.link(p, t)
	c.log.WithFields(logrus.Fields{"pid": p.PID, "path": path}).Info("started")
	return p, nil
}

func (c *Core) link(p *Process, t Target) {
	p.target = t
	p.created = t.Created()
	p.node, _ = c.processes.Insert(p)
}

func (c *Core) unlink(p *Process) {
	if p.node != nil {
		c.processes.Delete(p.node)
		p.node = nil
	}
	if c.options&CoreOptionAutoQuit != 0 && c.processes.Len() == 0 {
		c.quit.Store(true)
	}
}

// Quit asks Run to detach from every process and return. Safe for
// concurrent use.
func (c *Core) Quit() {
	c.quit.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Core) Quitting() bool { return c.quit.Load() }

// Run executes the event loop on a locked OS thread until Quit was called
// and every process is gone, ctx is done, or the platform fails.
func (c *Core) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errorf(KindInvalidCore, "run", "event loop already running")
	}
	defer c.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if c.quit.Load() {
			c.settleAll()
			if c.processes.Len() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.queue:
			c.handle(m)
		case <-c.wake:
		case <-c.platform.Ready():
			if err := c.poll(); err != nil {
				c.log.WithError(err).Error("wait for debug events")
				return err
			}
		}
	}
}

// Pump handles every queued message and pending event without blocking.
// It is for callers that drive the core from their own loop.
func (c *Core) Pump() error {
	for {
		select {
		case m := <-c.queue:
			c.handle(m)
		case <-c.wake:
		case <-c.platform.Ready():
			if err := c.poll(); err != nil {
				return err
			}
		default:
			if c.quit.Load() {
				c.settleAll()
			}
			return nil
		}
	}
}

func (c *Core) poll() error {
	events, err := c.platform.Poll()
	if err != nil {
		return externalError("poll", err)
	}
	for i := range events {
		c.dispatch(&events[i])
	}
	return nil
}

func (c *Core) dispatch(ev *RawEvent) {
	p := c.Process(ev.PID)
	if p == nil {
		c.log.WithField("event", ev.String()).Error("event for unknown process")
		return
	}
	act := p.dispatch(ev)
	c.log.WithFields(logrus.Fields{"event": ev.String(), "action": act}).Debug("dispatched")

	if err := c.settle(p); err != nil {
		p.log.WithError(err).Warn("detach")
	}
	if !ev.Stopped || p.node == nil {
		return
	}
	t := p.Thread(ev.TID)
	step := t != nil && t.stepping()
	if t != nil {
		t.state = ThreadRunning
	}
	// only exceptions have something to deliver
	forward := act == Forward && ev.Kind == RawException
	if err := p.target.Continue(ev, forward, step); err != nil {
		p.log.WithError(err).WithField("tid", ev.TID).Error("continue")
	}
}

// settle moves p through the detach states and prepares it for resumption.
// It returns the errors collected while detaching.
func (c *Core) settle(p *Process) error {
	if p.dispatching {
		return nil
	}
	if c.quit.Load() && (p.state == StateCreated || p.state == StateAttached) {
		p.state = StateDetachBottom
	}
	if p.state == StateDetachBottom {
		p.detachBottom()
	}
	if p.state == StateDetachTop {
		p.detachTop()
	}
	if p.state == StateExited && p.node != nil {
		p.destroy()
	}
	err := p.detachErr
	p.detachErr = nil
	if p.node != nil {
		p.prepareResume()
	}
	return err
}

func (c *Core) settleAll() {
	var errs *multierror.Error
	for _, p := range slices.Collect(c.Processes()) {
		if err := c.settle(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		c.log.WithError(err).Warn("detach on quit")
	}
}
