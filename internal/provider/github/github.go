// Package github receives github webhook http-requests, validates and
// converts them to provider events and forwards them to an event channel.
package github

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/provider"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to Events and forwards them to an event
// channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *provider.Event
}

type option func(*Provider)

// WithPayloadSecret enables signature validation of received payloads with
// the given webhook secret.
func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *provider.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	p.logger = zap.L().Named(loggerName)

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logger := p.logger.With(
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)

		return
	}

	parsed, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)

		return
	}

	ev := provider.Event{
		JSON:       payload,
		Provider:   "github",
		DeliveryID: deliveryID,
		EventType:  hookType,
	}

	switch event := parsed.(type) {
	case *github.IssueCommentEvent:
		if event.GetAction() != "created" {
			logger.Debug(
				"ignoring comment event, action is not created",
				logfields.Event("github_event_ignored"),
			)

			return
		}

		if !event.GetIssue().IsPullRequest() {
			logger.Debug(
				"ignoring comment event, comment is not on a pull request",
				logfields.Event("github_event_ignored"),
			)

			return
		}

		ev.RepositoryOwner = event.GetRepo().GetOwner().GetLogin()
		ev.Repository = event.GetRepo().GetName()
		ev.PullRequestNr = event.GetIssue().GetNumber()
		ev.CommentUser = event.GetComment().GetUser().GetLogin()
		ev.CommentBody = event.GetComment().GetBody()

	case *github.WorkflowRunEvent:
		run := event.GetWorkflowRun()

		ev.RepositoryOwner = event.GetRepo().GetOwner().GetLogin()
		ev.Repository = event.GetRepo().GetName()
		ev.WorkflowRun = &provider.WorkflowRun{
			Action:     event.GetAction(),
			Name:       run.GetName(),
			RunID:      run.GetID(),
			URL:        run.GetHTMLURL(),
			HeadBranch: run.GetHeadBranch(),
			HeadSHA:    run.GetHeadSHA(),
			Conclusion: run.GetConclusion(),
		}

	default:
		logger.Debug("ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)

		return
	}

	logger = logger.With(ev.LogFields()...)

	select {
	case p.c <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel would have blocked",
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
	}
}
