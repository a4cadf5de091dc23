package proc

import (
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/tracer/pkg/logflags"
)

// InjectFunc observes the thread running an injection.
type InjectFunc func(inj *Injection, t *Thread)

// Injection runs Data as code on a new thread of the process. The code is
// called with the address of Argument as its only parameter.
type Injection struct {
	Data     []byte
	Argument []byte

	// Pre runs when the thread exists but before it executed anything.
	Pre InjectFunc
	// Post runs when the thread exited, before the memory is released.
	Post InjectFunc
	// Cookie is free for the caller.
	Cookie any

	ID uuid.UUID
	// Address is the code address and ArgumentAddress the argument address
	// inside the process. TID is the injected thread.
	Address         uint64
	ArgumentAddress uint64
	TID             int

	process *Process
	create  *EventHandler
	exit    *EventHandler
	done    bool
	log     *logrus.Entry
}

// Done reports whether the injected thread finished and the memory was
// released.
func (inj *Injection) Done() bool { return inj.done }

// Inject copies the payload into the process and starts a thread on it.
func (p *Process) Inject(inj *Injection) error {
	if err := p.attached("inject"); err != nil {
		return err
	}
	if len(inj.Data) == 0 {
		return errorf(KindInvalidArgument, "inject", "empty payload")
	}
	creator, ok := p.target.(ThreadCreator)
	if !ok {
		return errorf(KindUnsupported, "inject", "platform cannot create remote threads")
	}

	inj.ID = uuid.New()
	inj.process = p
	inj.done = false
	inj.log = logflags.Inject().WithFields(logrus.Fields{"pid": p.PID, "injection": inj.ID})

	size := uint64(len(inj.Data) + len(inj.Argument))
	addr, err := p.Malloc(size)
	if err != nil {
		return err
	}
	inj.Address = addr
	inj.ArgumentAddress = addr + uint64(len(inj.Data))

	unwind := func(err error) error {
		inj.unregister()
		if ferr := p.Free(addr); ferr != nil {
			err = multierror.Append(err, ferr)
		}
		return err
	}
	if err := p.WriteMemory(inj.Address, inj.Data); err != nil {
		return unwind(err)
	}
	if len(inj.Argument) > 0 {
		if err := p.WriteMemory(inj.ArgumentAddress, inj.Argument); err != nil {
			return unwind(err)
		}
	}

	inj.TID = 0
	inj.create = p.stacks[EventThreadCreate].Push(inj.onCreate, inj)
	inj.exit = p.stacks[EventThreadExit].Push(inj.onExit, inj)

	tid, err := creator.CreateThread(inj.Address, inj.ArgumentAddress)
	if err != nil {
		return unwind(externalError("create remote thread", err))
	}
	inj.TID = tid
	inj.log.WithFields(logrus.Fields{"tid": tid, "addr": inj.Address, "size": size}).Info("injected")
	return nil
}

func (inj *Injection) onCreate(ev *Event) Action {
	if inj.TID == 0 || ev.Thread == nil || ev.Thread.ID != inj.TID {
		return Forward
	}
	if inj.Pre != nil {
		inj.Pre(inj, ev.Thread)
	}
	return Forward
}

func (inj *Injection) onExit(ev *Event) Action {
	if inj.TID == 0 || ev.Thread == nil || ev.Thread.ID != inj.TID {
		return Forward
	}
	if inj.Post != nil {
		inj.Post(inj, ev.Thread)
	}
	if err := inj.process.Free(inj.Address); err != nil {
		inj.log.WithError(err).Warn("free injected memory")
	}
	inj.unregister()
	inj.done = true
	inj.log.Info("injection finished")
	return Forward
}

func (inj *Injection) unregister() {
	if inj.create != nil {
		inj.create.Destroy()
		inj.create = nil
	}
	if inj.exit != nil {
		inj.exit.Destroy()
		inj.exit = nil
	}
}
