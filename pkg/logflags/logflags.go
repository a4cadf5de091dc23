// Package logflags decides which layers of the tracer log and at what level.
package logflags

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	LayerCore       = "core"
	LayerDispatch   = "dispatch"
	LayerBreakpoint = "breakpoint"
	LayerNative     = "native"
	LayerInject     = "inject"
	LayerAPI        = "api"
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	level             = logrus.InfoLevel
	layers  map[string]bool
	loggers = map[string]*logrus.Entry{}
)

// Setup configures logging. layers is a comma separated list of layer names;
// empty enables every layer. Loggers handed out earlier are updated in place.
func Setup(lvl, layerList string, w io.Writer) error {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}

	var enabled map[string]bool
	if layerList != "" {
		enabled = map[string]bool{}
		for _, name := range strings.Split(layerList, ",") {
			name = strings.TrimSpace(name)
			switch name {
			case LayerCore, LayerDispatch, LayerBreakpoint, LayerNative, LayerInject, LayerAPI:
				enabled[name] = true
			case "":
			default:
				return fmt.Errorf("unknown log layer %q", name)
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		out = w
	}
	level = l
	layers = enabled
	for name, e := range loggers {
		configure(name, e.Logger)
	}
	return nil
}

// Enabled reports whether layer writes anywhere.
func Enabled(layer string) bool {
	mu.Lock()
	defer mu.Unlock()
	return enabledLocked(layer)
}

func enabledLocked(layer string) bool {
	return layers == nil || layers[layer]
}

func configure(layer string, l *logrus.Logger) {
	l.Level = level
	l.Out = out
	if !enabledLocked(layer) {
		l.Out = io.Discard
	}
}

// Logger returns the logger of layer.
func Logger(layer string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if e, ok := loggers[layer]; ok {
		return e
	}
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	configure(layer, l)
	e := l.WithFields(logrus.Fields{"layer": layer})
	loggers[layer] = e
	return e
}

func Core() *logrus.Entry       { return Logger(LayerCore) }
func Dispatch() *logrus.Entry   { return Logger(LayerDispatch) }
func Breakpoint() *logrus.Entry { return Logger(LayerBreakpoint) }
func Native() *logrus.Entry     { return Logger(LayerNative) }
func Inject() *logrus.Entry     { return Logger(LayerInject) }
func API() *logrus.Entry        { return Logger(LayerAPI) }
