package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from   State
		event  Event
		to     State
		effect Effect
	}{
		{Clean, Edit, Dirty, EffectNone},
		{Dirty, Edit, Dirty, EffectNone},
		{Error, Edit, Error, EffectNone},
		{Saving, Edit, Saving, EffectRecordEdit},

		{Clean, Blur, Clean, EffectNone},
		{Dirty, Blur, Saving, EffectCommit},
		{Error, Blur, Saving, EffectCommit},
		{Saving, Blur, Saving, EffectNone},

		{Clean, ManualSave, Saving, EffectCommit},
		{Dirty, ManualSave, Saving, EffectCommit},
		{Error, ManualSave, Saving, EffectCommit},
		{Saving, ManualSave, Saving, EffectReject},

		{Saving, SaveSucceeded, Clean, EffectNone},
		{Saving, SaveFailed, Error, EffectNone},
		{Clean, SaveSucceeded, Clean, EffectNone},
		{Dirty, SaveFailed, Dirty, EffectNone},

		{Clean, ExternalReplace, Clean, EffectReplace},
		{Dirty, ExternalReplace, Clean, EffectReplace},
		{Saving, ExternalReplace, Clean, EffectReplace},
		{Error, ExternalReplace, Clean, EffectReplace},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"/"+tc.event.String(), func(t *testing.T) {
			to, effect := Transition(tc.from, tc.event)
			require.Equal(t, tc.to, to)
			require.Equal(t, tc.effect, effect)
		})
	}
}

func TestStateMarshalText(t *testing.T) {
	text, err := Saving.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "saving", string(text))
}
