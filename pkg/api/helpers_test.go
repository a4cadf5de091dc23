package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/tracer/pkg/proc"
	"github.com/monsterxx03/tracer/pkg/proc/proctest"
)

const (
	testPID  = 4242
	textBase = 0x400000
	libBase  = 0x7f0000000000
)

// startService runs a core over a fake process already attached through
// the service.
func startService(t *testing.T) *Service {
	t.Helper()
	pl := proctest.New()
	tgt := pl.AddProcess(testPID, "/usr/bin/target", textBase)
	text := make([]byte, 0x2000)
	copy(text[0x100:], "hello\x00")
	tgt.Map(textBase, text)
	tgt.Modules = []proctest.Module{{Base: libBase, Path: "/lib/libc.so.6"}}
	tgt.ExportTable["/lib/libc.so.6"] = map[string]uint64{"malloc": libBase + 0x1000, "free": libBase + 0x2000}
	tgt.Map(libBase, make([]byte, 0x3000))
	tgt.ExtraThreads = []int{4243}
	tgt.Areas = []proc.MmapArea{
		{Start: textBase, End: textBase + 0x2000, Prot: proc.ProtRead | proc.ProtExec, Path: "/usr/bin/target"},
		{Start: libBase, End: libBase + 0x3000, Prot: proc.ProtRead | proc.ProtExec, Path: "/lib/libc.so.6"},
	}

	core := proc.NewCore(pl, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		core.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := NewService(core)
	_, err := svc.Attach(ctx, testPID, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := svc.Process(ctx, testPID)
		return err == nil && info.State == "attached"
	}, 5*time.Second, 10*time.Millisecond)
	return svc
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
