package modem

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"cellnode/internal/at"
)

// Notification is an unsolicited line matched by a dispatcher route.
type Notification struct {
	Route  string
	Line   string
	Fields []string
}

// Handler consumes a notification. Handlers run on the goroutine that owns
// the engine and must not block or call back into the engine.
type Handler func(Notification)

// MatchFunc reports whether a line belongs to a route and returns the
// captured fields.
type MatchFunc func(line string) ([]string, bool)

type route struct {
	name    string
	match   MatchFunc
	handler Handler
}

// Dispatcher routes unsolicited lines to registered handlers. Routes are
// tried in registration order and the first match wins.
type Dispatcher struct {
	mu        sync.RWMutex
	routes    []route
	onUnknown func(line string)

	unknown atomic.Uint64
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Register adds a route matching the regular expression pattern. Submatches
// become the notification's fields.
func (d *Dispatcher) Register(name, pattern string, h Handler) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("dispatcher: route %s: %w", name, err)
	}
	d.RegisterFunc(name, func(line string) ([]string, bool) {
		m := re.FindStringSubmatch(line)
		if m == nil {
			return nil, false
		}
		return m[1:], true
	}, h)
	return nil
}

// RegisterFunc adds a route with an arbitrary match predicate.
func (d *Dispatcher) RegisterFunc(name string, match MatchFunc, h Handler) {
	d.mu.Lock()
	d.routes = append(d.routes, route{name: name, match: match, handler: h})
	d.mu.Unlock()
}

// Prefix matches lines starting with prefix (e.g. "+CEREG:") and yields
// the comma separated parameters as fields.
func Prefix(prefix string) MatchFunc {
	return func(line string) ([]string, bool) {
		v, ok := at.Payload(line, prefix)
		if !ok {
			return nil, false
		}
		return at.SplitParams(v), true
	}
}

// OnUnknown sets the hook called for lines no route matches.
func (d *Dispatcher) OnUnknown(fn func(line string)) {
	d.mu.Lock()
	d.onUnknown = fn
	d.mu.Unlock()
}

// Matches reports whether any route claims line.
func (d *Dispatcher) Matches(line string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.routes {
		if _, ok := r.match(line); ok {
			return true
		}
	}
	return false
}

// OnLine dispatches line to the first matching route and reports whether
// one matched.
func (d *Dispatcher) OnLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}

	d.mu.RLock()
	var (
		hit    *route
		fields []string
	)
	for i := range d.routes {
		if f, ok := d.routes[i].match(line); ok {
			r := d.routes[i]
			hit, fields = &r, f
			break
		}
	}
	unknown := d.onUnknown
	d.mu.RUnlock()

	if hit == nil {
		d.unknown.Add(1)
		if unknown != nil {
			unknown(line)
		}
		return false
	}

	d.invoke(*hit, Notification{Route: hit.name, Line: line, Fields: fields})
	return true
}

func (d *Dispatcher) invoke(r route, n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("URC handler panic", "route", r.name, "line", n.Line, "panic", rec)
		}
	}()
	r.handler(n)
}

// Unknown returns the number of lines no route matched.
func (d *Dispatcher) Unknown() uint64 {
	return d.unknown.Load()
}
