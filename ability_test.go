package theschwartz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDescriptor struct {
	BaseDescriptor
}

func newStubDescriptor(name string, handles ...string) *stubDescriptor {
	d := &stubDescriptor{}
	d.DescriptorName = name
	d.GrabForSeconds = 30
	if len(handles) > 0 {
		d.HandlesFunc = func() []string { return handles }
	}
	d.WorkFunc = func(ctx context.Context, job *Job) error { return nil }
	return d
}

func TestAbilityRegistryRegisterBindsHandles(t *testing.T) {
	r := NewAbilityRegistry()
	d := newStubDescriptor("emailer", "send_email", "send_sms")

	require.NoError(t, r.Register(d))

	got, ok := r.descriptorFor("send_email")
	require.True(t, ok)
	assert.Equal(t, d, got)

	got, ok = r.descriptorFor("send_sms")
	require.True(t, ok)
	assert.Equal(t, d, got)

	_, ok = r.descriptorFor("unregistered")
	assert.False(t, ok)
}

func TestAbilityRegistryRegisterRequiresGrabFor(t *testing.T) {
	r := NewAbilityRegistry()
	d := newStubDescriptor("bad")
	d.GrabForSeconds = 0

	err := r.Register(d)
	assert.Error(t, err)
}

func TestAbilityRegistryCanActivatesByOwnName(t *testing.T) {
	r := NewAbilityRegistry()
	d := newStubDescriptor("emailer", "send_email")
	require.NoError(t, r.Register(d))

	err := r.Can("emailer")
	require.NoError(t, err)

	got, ok := r.descriptorFor("emailer")
	require.True(t, ok)
	assert.Equal(t, d, got)
}

func TestAbilityRegistryCanUnknownNameErrors(t *testing.T) {
	r := NewAbilityRegistry()
	err := r.Can("nobody_registered_this")
	assert.Error(t, err)
}

func TestAbilityRegistryRegisterFuncnameBindsExactlyOneName(t *testing.T) {
	r := NewAbilityRegistry()
	d := newStubDescriptor("emailer", "send_email")
	require.NoError(t, r.registerFuncname("send_receipt", d))

	got, ok := r.descriptorFor("send_receipt")
	require.True(t, ok)
	assert.Equal(t, d, got)

	// Handles()'s own funcname is untouched by the two-arg form.
	_, ok = r.descriptorFor("send_email")
	assert.False(t, ok)
}

func TestAbilityRegistryResetAbilitiesClearsEverything(t *testing.T) {
	r := NewAbilityRegistry()
	require.NoError(t, r.Register(newStubDescriptor("emailer", "send_email")))

	r.ResetAbilities()

	_, ok := r.descriptorFor("send_email")
	assert.False(t, ok)
	assert.Empty(t, r.allowedFuncnames())
}
