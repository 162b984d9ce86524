package web

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/finder"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/script"
	"github.com/sharnoff/strobe/internal/transport"
)

// Discoverer is the part of [finder.Finder] used by commands
type Discoverer interface {
	Find(ctx context.Context, window time.Duration) (mapset.Set[protocol.Target], error)
	Devices() []finder.Device
}

// Env is what every command runs against
type Env struct {
	// Final bounds every stream a command starts. The server sets it to its own Signal.
	Final  *strobe.Signal[struct{}]
	Sender script.Sender
	Finder Discoverer
	// Window is how long discover waits for replies unless the request says otherwise
	Window time.Duration
}

// Command starts the work for one request, returning the stream of its results. Errors returned
// directly are reported to the client as bad requests; failures of the work itself are Results.
type Command func(ctx context.Context, env Env, args json.RawMessage) (*strobe.ResultStreamer, error)

// Registry maps command names to their implementations
type Registry struct {
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// DefaultRegistry returns a Registry with every built-in command
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("discover", Discover)
	r.Register("status", Status)
	r.Register("power", Power)
	r.Register("label", Label)
	return r
}

// Register adds a command. It panics if name is already registered.
func (r *Registry) Register(name string, cmd Command) {
	if _, ok := r.commands[name]; ok {
		panic(fmt.Sprintf("web: command %q registered twice", name))
	}
	r.commands[name] = cmd
}

func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns the registered command names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

type selectArgs struct {
	// Serials limits the command to these devices. Empty means every known device.
	Serials []string `json:"serials"`
}

func (a selectArgs) targets(env Env) ([]transport.Target, error) {
	devices := env.Finder.Devices()
	if len(a.Serials) == 0 {
		return finder.Targets(devices), nil
	}

	want := mapset.NewThreadUnsafeSet[protocol.Target]()
	for _, s := range a.Serials {
		t, err := protocol.ParseTarget(s)
		if err != nil {
			return nil, fmt.Errorf("invalid serial %q: %w", s, err)
		}
		want.Add(t)
	}

	var selected []finder.Device
	for _, d := range devices {
		if want.Contains(d.Serial) {
			selected = append(selected, d)
			want.Remove(d.Serial)
		}
	}
	if want.Cardinality() != 0 {
		var missing []string
		for _, t := range want.ToSlice() {
			missing = append(missing, t.String())
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown devices: %v", missing)
	}
	return finder.Targets(selected), nil
}

// Discover broadcasts once, producing the serial of every device that replied in time
func Discover(ctx context.Context, env Env, raw json.RawMessage) (*strobe.ResultStreamer, error) {
	var args struct {
		WindowMS int `json:"window_ms"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	window := env.Window
	if args.WindowMS > 0 {
		window = time.Duration(args.WindowMS) * time.Millisecond
	}

	s := strobe.NewResultStreamer(env.Final, strobe.WithStreamerName("discover"))
	_, err := s.AddGenerator(func(gctx context.Context, yield func(any) bool) error {
		found, err := env.Finder.Find(gctx, window)
		if err != nil {
			return err
		}
		serials := make([]string, 0, found.Cardinality())
		for t := range found.Iter() {
			serials = append(serials, t.String())
		}
		sort.Strings(serials)
		for _, serial := range serials {
			if !yield(serial) {
				break
			}
		}
		return nil
	}, "discover", nil, nil)
	s.NoMoreWork()
	if err != nil {
		s.Finish()
		return nil, err
	}
	return s, nil
}

// Status asks each selected device for its power level and label
func Status(ctx context.Context, env Env, raw json.RawMessage) (*strobe.ResultStreamer, error) {
	var args selectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	targets, err := args.targets(env)
	if err != nil {
		return nil, err
	}

	item := script.Pipeline{
		Items:       []script.Item{script.Message(protocol.GetPower{}), script.Message(protocol.GetLabel{})},
		SkipOnError: true,
	}
	return script.Run(ctx, env.Final, env.Sender, item, targets), nil
}

// Power sets the power level of each selected device
func Power(ctx context.Context, env Env, raw json.RawMessage) (*strobe.ResultStreamer, error) {
	var args struct {
		selectArgs
		On    *bool   `json:"on"`
		Level *uint16 `json:"level"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	var level uint16
	switch {
	case args.Level != nil:
		level = *args.Level
	case args.On != nil:
		if *args.On {
			level = protocol.PowerMax
		}
	default:
		return nil, fmt.Errorf("one of \"on\" or \"level\" is required")
	}

	targets, err := args.targets(env)
	if err != nil {
		return nil, err
	}
	return script.Run(ctx, env.Final, env.Sender, script.Message(protocol.SetPower{Level: level}), targets), nil
}

// Label fetches the label of each selected device
func Label(ctx context.Context, env Env, raw json.RawMessage) (*strobe.ResultStreamer, error) {
	var args selectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	targets, err := args.targets(env)
	if err != nil {
		return nil, err
	}
	return script.Run(ctx, env.Final, env.Sender, script.Message(protocol.GetLabel{}), targets), nil
}
