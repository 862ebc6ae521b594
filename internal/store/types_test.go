package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLegalTransition(t *testing.T) {
	allowed := []struct{ from, to ApplicationStatus }{
		{AppQueued, AppInProgress},
		{AppQueued, AppSkipped},
		{AppQueued, AppCancelled},
		{AppInProgress, AppSubmitted},
		{AppInProgress, AppFailed},
		{AppInProgress, AppPaused},
		{AppInProgress, AppSkipped},
		{AppInProgress, AppCancelled},
		{AppPaused, AppInProgress},
		{AppPaused, AppFailed},
		{AppPaused, AppSkipped},
	}
	for _, tc := range allowed {
		require.True(t, LegalTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	rejected := []struct{ from, to ApplicationStatus }{
		{AppSubmitted, AppQueued},
		{AppSubmitted, AppInProgress},
		{AppFailed, AppInProgress},
		{AppSkipped, AppQueued},
		{AppCancelled, AppInProgress},
		{AppQueued, AppSubmitted},
		{AppQueued, AppFailed},
		{AppQueued, AppQueued},
		{AppInProgress, AppInProgress},
	}
	for _, tc := range rejected {
		require.False(t, LegalTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	for _, s := range []SessionStatus{SessionCompleted, SessionFailed, SessionCancelled} {
		require.True(t, s.Terminal())
	}
	for _, s := range []SessionStatus{SessionPlanned, SessionRunning, SessionPaused, SessionDraining, SessionCancelling} {
		require.False(t, s.Terminal())
	}
}

func TestCanonicalDomain(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://careers.example.com/jobs/1234", "careers.example.com"},
		{"https://www.Example.COM/apply", "example.com"},
		{"http://ats.company.com:8443/postings/9", "ats.company.com"},
	}
	for _, tc := range cases {
		got, err := CanonicalDomain(tc.url)
		require.NoError(t, err, tc.url)
		require.Equal(t, tc.want, got, tc.url)
	}

	_, err := CanonicalDomain("not a url at all%%")
	require.Error(t, err)
	_, err = CanonicalDomain("/relative/path/only")
	require.Error(t, err)
}

func TestID_RoundTrip(t *testing.T) {
	id := NewID()
	require.False(t, id.IsZero())

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseID("zzzz")
	require.Error(t, err)
	_, err = ParseID("abcd")
	require.Error(t, err) // wrong length

	require.NotEqual(t, NewID(), NewID())
}
