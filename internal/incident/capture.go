// Package incident gathers context for a suspended application item:
// the data bundle a human reviewing a CAPTCHA/2FA intervention needs,
// exposed over the Control API's incident read path.
package incident

import (
	"context"
	"time"

	"github.com/applyctl/flowctl/internal/store"
)

// Report is the context bundle captured when a worker hands an item to
// the Intervention Bridge: the application and its owning session, the
// events recorded for it so far, and the questions answered up to the
// point of suspension (useful for a human reviewing what the form
// already contains).
type Report struct {
	Application *store.ApplicationItem
	Session     *store.Session
	Events      []*store.Event
	Questions   []*store.Question
	CapturedAt  time.Time
}

// Capture gathers an application's full context for a
// human-in-the-loop notification payload.
func Capture(ctx context.Context, repo store.Repository, applicationID store.ID) (*Report, error) {
	app, err := repo.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, app.SessionID)
	if err != nil {
		return nil, err
	}
	events, err := repo.ListApplicationEvents(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	questions, err := repo.ListQuestions(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return &Report{
		Application: app,
		Session:     sess,
		Events:      events,
		Questions:   questions,
		CapturedAt:  time.Now(),
	}, nil
}
