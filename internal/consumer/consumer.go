// Package consumer routes inbound conversation messages to per-thread worker
// queues, creating or waking the thread's worker deployment on the way.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/deploy"
	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/logging"
	"thread-orchestrator/internal/models"
	"thread-orchestrator/internal/queue"
	"thread-orchestrator/internal/telemetry"
)

// ThreadMessagePriority ranks thread traffic above fleet management jobs.
const ThreadMessagePriority = 10

// Deployer is the part of the deployment manager the consumer drives.
type Deployer interface {
	CreateWorkerDeployment(ctx context.Context, req deploy.WorkerRequest) error
	ScaleDeployment(ctx context.Context, name string, replicas int32) error
	UpdateDeploymentActivity(ctx context.Context, name string)
}

// Throttle limits how often a user may create new workers.
type Throttle interface {
	AllowNewDeployment(ctx context.Context, userID string) error
}

// Options configures a Consumer.
type Options struct {
	InboundQueue string
	Work         queue.WorkOptions
}

// Consumer handles jobs from the shared inbound queue.
type Consumer struct {
	store    queue.JobStore
	deployer Deployer
	throttle Throttle
	trigger  func()
	threads  *keyedMutex
	opts     Options
	logger   *logrus.Entry
	now      func() time.Time
}

func New(store queue.JobStore, deployer Deployer, opts Options, logger logrus.FieldLogger) *Consumer {
	if opts.InboundQueue == "" {
		opts.InboundQueue = "messages"
	}
	return &Consumer{
		store:    store,
		deployer: deployer,
		trigger:  func() {},
		threads:  newKeyedMutex(),
		opts:     opts,
		logger:   logging.Component(logger, "consumer"),
		now:      time.Now,
	}
}

// WithThrottle enables the per-user new deployment limit.
func (c *Consumer) WithThrottle(t Throttle) *Consumer {
	c.throttle = t
	return c
}

// WithReconcileTrigger registers the callback run after a worker is created so
// the fleet cap is enforced right after growth.
func (c *Consumer) WithReconcileTrigger(fn func()) *Consumer {
	if fn != nil {
		c.trigger = fn
	}
	return c
}

// Start creates the inbound queue.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.store.CreateQueue(ctx, c.opts.InboundQueue); err != nil {
		return fmt.Errorf("create inbound queue: %w", err)
	}
	c.logger.WithField("queue", c.opts.InboundQueue).Info("consumer ready")
	return nil
}

// Run delivers inbound jobs to HandleMessage until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.store.Work(ctx, c.opts.InboundQueue, c.opts.Work, c.HandleMessage)
}

// HandleMessage routes one inbound job. Any returned error is a
// QUEUE_JOB_PROCESSING_FAILED that the job store retries when retryable.
func (c *Consumer) HandleMessage(ctx context.Context, job models.Job) error {
	msg, err := parseMessage(job.Data)
	if err != nil {
		telemetry.JobFailures.Inc()
		c.logger.WithError(err).WithField("job_id", job.ID).Error("dropping malformed message")
		return &errs.Error{Kind: errs.KindQueueJobProcessingFailed, Op: "parse message", Resource: job.ID, Err: err}
	}

	name := msg.thread.DeploymentName()
	log := c.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"deployment": name,
		"thread_id":  msg.thread.ThreadID,
		"user_id":    msg.thread.UserID,
	})

	// Jobs for one thread route and publish one at a time within this process.
	unlock := c.threads.Lock(name)
	defer unlock()

	if err := c.route(ctx, msg, name, log); err != nil {
		telemetry.JobFailures.Inc()
		log.WithError(err).Error("failed to route message")
		return errs.Wrap(errs.KindQueueJobProcessingFailed, "handle message", name, err)
	}

	threadQueue := models.ThreadQueueName(name)
	if err := c.store.CreateQueue(ctx, threadQueue); err != nil {
		telemetry.JobFailures.Inc()
		return errs.Wrap(errs.KindQueueJobProcessingFailed, "create thread queue", name, err)
	}
	id, err := c.store.Send(ctx, threadQueue, msg.enrich(name, c.now()), queue.SendOptions{
		Priority: ThreadMessagePriority,
		Owner:    models.TenantUsername(msg.thread.UserID),
	})
	if err == nil && id == "" {
		err = fmt.Errorf("send to %s returned no job id", threadQueue)
	}
	if err != nil {
		telemetry.JobFailures.Inc()
		return errs.Wrap(errs.KindQueueJobProcessingFailed, "publish thread message", name, err)
	}

	c.deployer.UpdateDeploymentActivity(ctx, name)
	telemetry.JobsRouted.Inc()
	log.WithFields(logrus.Fields{"queue": threadQueue, "thread_job_id": id, "new_thread": msg.isNewThread()}).Info("routed message")
	return nil
}

func (c *Consumer) route(ctx context.Context, msg message, name string, log *logrus.Entry) error {
	if msg.isNewThread() {
		return c.createWorker(ctx, msg)
	}
	err := c.deployer.ScaleDeployment(ctx, name, 1)
	if err != nil && deploy.IsNotFound(err) {
		log.Warn("deployment missing for existing thread, recreating")
		return c.createWorker(ctx, msg)
	}
	return err
}

func (c *Consumer) createWorker(ctx context.Context, msg message) error {
	if c.throttle != nil {
		if err := c.throttle.AllowNewDeployment(ctx, msg.thread.UserID); err != nil {
			return err
		}
	}
	if err := c.deployer.CreateWorkerDeployment(ctx, msg.workerRequest()); err != nil {
		return err
	}
	c.trigger()
	return nil
}
