package notifier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recording struct {
	name  string
	err   error
	calls []string
}

func (r *recording) Name() string { return r.name }

func (r *recording) Notify(_ context.Context, subject, message string) error {
	r.calls = append(r.calls, subject+"|"+message)
	return r.err
}

func TestCompositeFailsFast(t *testing.T) {
	boom := errors.New("smtp down")
	r1 := &recording{name: "r1"}
	r2 := &recording{name: "r2", err: boom}
	r3 := &recording{name: "r3"}

	c := notifier.NewComposite(r1, r2)
	c.Add(r3)
	require.Equal(t, 3, c.Len())

	err := c.Notify(context.Background(), "Workflow Report", "body")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "r2")
	assert.Equal(t, []string{"Workflow Report|body"}, r1.calls)
	assert.Len(t, r2.calls, 1)
	assert.Empty(t, r3.calls)
}

func TestCompositeDeliversInOrder(t *testing.T) {
	var order []string
	c := notifier.NewComposite()
	for _, name := range []string{"a", "b", "c"} {
		c.Add(orderNotifier{name: name, order: &order})
	}

	require.NoError(t, c.Notify(context.Background(), "s", "m"))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestEmptyCompositeIsNoop(t *testing.T) {
	assert.NoError(t, notifier.NewComposite().Notify(context.Background(), "s", "m"))
}

func TestDefaultEnabledState(t *testing.T) {
	assert.False(t, notifier.DefaultConfig().IsEnabled())
	assert.True(t, plugin.DefaultConfig().IsEnabled())
}

type orderNotifier struct {
	name  string
	order *[]string
}

func (o orderNotifier) Name() string { return o.name }

func (o orderNotifier) Notify(context.Context, string, string) error {
	*o.order = append(*o.order, o.name)
	return nil
}
