package features

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	mu          sync.Mutex
	taskID      string
	runID       int
	payload     *types.Payload
	containerID string
	canceled    bool
	log         bytes.Buffer
	sinks       []io.Writer
}

func newFakeTask() *fakeTask {
	return &fakeTask{taskID: "task-1", runID: 0}
}

func (t *fakeTask) TaskID() string                    { return t.taskID }
func (t *fakeTask) RunID() int                        { return t.runID }
func (t *fakeTask) Definition() *types.TaskDefinition { return &types.TaskDefinition{} }
func (t *fakeTask) Payload() *types.Payload           { return t.payload }
func (t *fakeTask) ContainerID() string               { return t.containerID }
func (t *fakeTask) Canceled() bool                    { return t.canceled }

func (t *fakeTask) AttachLog(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := w.Write(t.log.Bytes()); err != nil {
		return err
	}
	t.sinks = append(t.sinks, w)
	return nil
}

func (t *fakeTask) DetachLog(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sinks {
		if s == w {
			t.sinks = append(t.sinks[:i], t.sinks[i+1:]...)
			return
		}
	}
}

func (t *fakeTask) Logf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("[burrow] "+format+"\n", args...)
	t.log.WriteString(line)
	for _, s := range t.sinks {
		_, _ = io.WriteString(s, line)
	}
}

func (t *fakeTask) logString() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.String()
}

// recordingHook records every call and can fail a chosen phase
type recordingHook struct {
	name   string
	calls  *[]string
	failIn string
}

func (h *recordingHook) record(phase string) error {
	*h.calls = append(*h.calls, h.name+"."+phase)
	if h.failIn == phase {
		return errors.New(h.name + " broke")
	}
	return nil
}

func (h *recordingHook) Link(ctx context.Context, t Task) ([]types.Link, error) {
	if err := h.record("link"); err != nil {
		return nil, err
	}
	return []types.Link{{Name: h.name, Alias: h.name}}, nil
}
func (h *recordingHook) Created(ctx context.Context, t Task) error { return h.record("created") }
func (h *recordingHook) Stopped(ctx context.Context, t Task) error { return h.record("stopped") }
func (h *recordingHook) Killed(ctx context.Context, t Task) error  { return h.record("killed") }

func feature(name string, def bool, calls *[]string, failIn string) Feature {
	return Feature{
		Name:    name,
		Default: def,
		New: func(Deps) (Hook, error) {
			return &recordingHook{name: name, calls: calls, failIn: failIn}, nil
		},
	}
}

func TestRegistry_Enabled(t *testing.T) {
	var calls []string
	r, err := NewRegistry(Deps{},
		feature("a", true, &calls, ""),
		feature("b", false, &calls, ""),
		feature("c", true, &calls, ""),
	)
	require.NoError(t, err)

	tests := []struct {
		name  string
		flags map[string]bool
		want  []string
	}{
		{name: "defaults", flags: nil, want: []string{"a", "c"}},
		{name: "enable off-by-default", flags: map[string]bool{"b": true}, want: []string{"a", "b", "c"}},
		{name: "disable on-by-default", flags: map[string]bool{"a": false}, want: []string{"c"}},
		{name: "unknown flag ignored", flags: map[string]bool{"zzz": true}, want: []string{"a", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Enabled(tt.flags))

			states, err := r.Resolve(tt.flags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, states.Names())
		})
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	var calls []string
	_, err := NewRegistry(Deps{}, feature("a", true, &calls, ""), feature("a", false, &calls, ""))
	assert.Error(t, err)
}

func TestRegistry_ResolveKeepsConstructedHooks(t *testing.T) {
	var calls []string
	broken := Feature{Name: "broken", Default: true, New: func(Deps) (Hook, error) {
		return nil, errors.New("no config")
	}}
	r, err := NewRegistry(Deps{}, feature("a", true, &calls, ""), broken, feature("c", true, &calls, ""))
	require.NoError(t, err)

	states, err := r.Resolve(nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "c"}, states.Names())
}

func TestStates_OrderAndLinks(t *testing.T) {
	var calls []string
	r, err := NewRegistry(Deps{}, feature("a", true, &calls, ""), feature("b", true, &calls, ""))
	require.NoError(t, err)
	states, err := r.Resolve(nil)
	require.NoError(t, err)

	ctx := context.Background()
	task := newFakeTask()

	links, err := states.Link(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, []types.Link{{Name: "a", Alias: "a"}, {Name: "b", Alias: "b"}}, links)
	require.NoError(t, states.Created(ctx, task))
	require.NoError(t, states.Stopped(ctx, task))
	require.NoError(t, states.Killed(ctx, task))

	assert.Equal(t, []string{
		"a.link", "b.link",
		"a.created", "b.created",
		"a.stopped", "b.stopped",
		"a.killed", "b.killed",
	}, calls)
}

func TestStates_FailureStopsPhaseButNotKilled(t *testing.T) {
	var calls []string
	r, err := NewRegistry(Deps{},
		feature("a", true, &calls, "link"),
		feature("b", true, &calls, "killed"),
		feature("c", true, &calls, ""),
	)
	require.NoError(t, err)
	states, err := r.Resolve(nil)
	require.NoError(t, err)

	ctx := context.Background()
	task := newFakeTask()

	_, err = states.Link(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature a failed in link")

	err = states.Killed(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature b failed in killed")

	assert.Equal(t, []string{"a.link", "a.killed", "b.killed", "c.killed"}, calls)
}

func TestBuiltin(t *testing.T) {
	var names []string
	defaults := map[string]bool{}
	for _, f := range Builtin() {
		names = append(names, f.Name)
		defaults[f.Name] = f.Default
	}
	assert.Equal(t, []string{"proxy", "bulkLog", "artifacts"}, names)
	assert.False(t, defaults["proxy"])
	assert.True(t, defaults["bulkLog"])
	assert.True(t, defaults["artifacts"])
}
