// Package dispatch consumes provider events and runs the matching command
// and workflow handlers.
//
// Handlers run asynchronously in go-routines and are retried with
// exponential backoff while they fail with a mergerr.RetryableError.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/command"
	"github.com/merganser/merganser/internal/handler"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/provider"
	"github.com/merganser/merganser/internal/registry"
)

const DefEventChannelBufferSize = 512
const DefCommandPrefix = "bors"

const loggerName = "dispatcher"

// Dispatcher receives events and triggers the matching handlers.
type Dispatcher struct {
	ch            chan *provider.Event
	registry      *registry.Registry
	handlers      *handler.Handlers
	commandPrefix string
	filters       map[models.RepositoryName]*Filter

	logger         *zap.Logger
	wg             sync.WaitGroup
	routineDeferFn func()
	retryer        *Retryer
}

type option func(*Dispatcher)

// WithCommandPrefix sets the token that must start a comment line for the
// line to be treated as a bot command.
func WithCommandPrefix(prefix string) option {
	return func(d *Dispatcher) {
		d.commandPrefix = prefix
	}
}

// WithFilters sets per-repository filter queries. Events of a repository
// with a filter are dropped unless the filter matches.
func WithFilters(filters map[models.RepositoryName]*Filter) option {
	return func(d *Dispatcher) {
		d.filters = filters
	}
}

// WithRoutineDeferFunc sets a function that is run deferred in every
// go-routine that executes a handler.
// It can be used to install a panic handler.
func WithRoutineDeferFunc(fn func()) option {
	return func(d *Dispatcher) {
		d.routineDeferFn = fn
	}
}

func New(reg *registry.Registry, handlers *handler.Handlers, opts ...option) *Dispatcher {
	d := Dispatcher{
		ch:            make(chan *provider.Event, DefEventChannelBufferSize),
		registry:      reg,
		handlers:      handlers,
		commandPrefix: DefCommandPrefix,
		retryer:       NewRetryer(),
		logger:        zap.L().Named(loggerName),
	}

	for _, opt := range opts {
		opt(&d)
	}

	return &d
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (d *Dispatcher) C() chan<- *provider.Event {
	return d.ch
}

func (d *Dispatcher) Start() {
	ctx := context.Background()
	d.logger.Info("ready to process events", logfields.Event("dispatcher_started"))

	for ev := range d.ch {
		d.processEvent(ctx, ev)
	}

	d.logger.Info(
		"dispatcher terminated, event channel was closed",
		logfields.Event("dispatcher_terminated"),
	)
}

// Stop stops the dispatcher and waits until all scheduled go-routines
// terminated.
// The event channel (Dispatcher.C()) will be closed.
func (d *Dispatcher) Stop() {
	d.logger.Debug("dispatcher terminating", logfields.Event("dispatcher_terminating"))
	close(d.ch)

	d.retryer.Stop()
	d.wg.Wait()

	d.logger.Info("dispatcher terminated", logfields.Event("dispatcher_terminated"))
}

func (d *Dispatcher) processEvent(ctx context.Context, ev *provider.Event) {
	logger := d.logger.With(ev.LogFields()...)

	metrics.ReceivedEventsInc()
	logger.Debug("event received", logfields.Event("event_received"))

	repoName := models.NewRepositoryName(ev.RepositoryOwner, ev.Repository)

	state := d.registry.Get(repoName)
	if state == nil {
		metrics.IgnoredEventsInc(ignoreReasonUnknownRepository)
		logger.Debug(
			"ignoring event for unregistered repository",
			logfields.Event("event_ignored"),
		)

		return
	}

	if filter := d.filters[repoName]; filter != nil {
		match, err := filter.Match(ctx, ev)
		if err != nil {
			logger.Error(
				"evaluating filter query failed",
				logfields.Event("filter_evaluation_failed"),
				zap.Error(err),
			)

			return
		}

		if !match {
			metrics.IgnoredEventsInc(ignoreReasonFiltered)
			logger.Debug(
				"ignoring event, filter query did not match",
				logfields.Event("event_ignored"),
			)

			return
		}
	}

	switch {
	case ev.WorkflowRun != nil:
		d.scheduleWorkflowRun(ctx, state, ev)

	case ev.CommentBody != "":
		d.processComment(ctx, state, ev, logger)

	default:
		metrics.IgnoredEventsInc(ignoreReasonUnsupported)
		logger.Debug(
			"ignoring event without comment or workflow run",
			logfields.Event("event_ignored"),
		)
	}
}

func (d *Dispatcher) processComment(ctx context.Context, state *registry.RepositoryState, ev *provider.Event, logger *zap.Logger) {
	for _, line := range command.Extract(ev.CommentBody, d.commandPrefix) {
		cmd, err := command.Parse(line)
		if err != nil {
			metrics.CommandsInc(line, resultLabelParseErrorVal)
			logger.Info(
				"rejecting unparsable command",
				logfields.Event("command_rejected"),
				logfields.Command(line),
				zap.Error(err),
			)

			rejection := ":warning: " + err.Error()
			d.schedule(ctx, ev, "rejection", func(ctx context.Context) error {
				return state.Client.CreateIssueComment(ctx, ev.PullRequestNr, rejection)
			})

			continue
		}

		logger.Info(
			"command received",
			logfields.Event("command_received"),
			logfields.Command(line),
		)

		d.schedule(ctx, ev, commandName(cmd), func(ctx context.Context) error {
			return d.handlers.HandleCommand(ctx, state.Client, state.Permissions, cmd, ev.PullRequestNr, ev.CommentUser)
		})
	}
}

func (d *Dispatcher) scheduleWorkflowRun(ctx context.Context, state *registry.RepositoryState, ev *provider.Event) {
	run := handler.WorkflowRunEvent{
		Action:     ev.WorkflowRun.Action,
		Name:       ev.WorkflowRun.Name,
		RunID:      ev.WorkflowRun.RunID,
		URL:        ev.WorkflowRun.URL,
		HeadBranch: ev.WorkflowRun.HeadBranch,
		HeadSHA:    ev.WorkflowRun.HeadSHA,
		Conclusion: ev.WorkflowRun.Conclusion,
	}

	d.schedule(ctx, ev, "workflow_run", func(ctx context.Context) error {
		return d.handlers.HandleWorkflowRun(ctx, state.Client, &run)
	})
}

func (d *Dispatcher) schedule(ctx context.Context, ev *provider.Event, name string, fn func(context.Context) error) {
	d.wg.Add(1)

	go func() {
		if d.routineDeferFn != nil {
			defer d.routineDeferFn()
		}

		defer d.wg.Done()

		if err := d.retryer.Run(ctx, fn, ev.LogFields()); err != nil {
			metrics.CommandsInc(name, resultLabelFailureVal)
			return
		}

		metrics.CommandsInc(name, resultLabelSuccessVal)
	}()
}

func commandName(cmd command.Command) string {
	switch cmd.(type) {
	case command.Approve:
		return "r+"
	case command.ApproveEq:
		return "r="
	case command.ApproveCancel:
		return "r-"
	case command.Try:
		return "try"
	case command.TryCancel:
		return "try-"
	case command.Ping:
		return "ping"
	default:
		return "unknown"
	}
}
