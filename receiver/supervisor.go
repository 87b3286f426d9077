package receiver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/GlobalNOC/tsds-services/cache"
)

// Consumer is the broker surface a worker drains: a stream of deliveries
// plus teardown. The queue package provides the RabbitMQ implementation.
type Consumer interface {
	Consume() (<-chan amqp.Delivery, error)
	Close() error
}

// SupervisorConfig wires a Supervisor: worker count, PID file path, the
// shared registry, and factories producing each worker's private store,
// cache, and broker handles.
type SupervisorConfig struct {
	NumWorkers int
	PIDFile    string
	Registry   *SchemaRegistry
	Log        *logrus.Logger

	NewStore    func() (Store, error)
	NewCache    func() (cache.DocumentCache, error)
	NewConsumer func() (Consumer, error)
}

// Supervisor runs the worker pool. It bootstraps the shared schema registry,
// writes the PID file, starts the configured number of workers, and tears
// everything down when the context is cancelled. The single creation lock
// shared by all workers lives here.
type Supervisor struct {
	config   SupervisorConfig
	createMu sync.Mutex
	log      *logrus.Logger
}

// NewSupervisor creates a supervisor from its configuration.
func NewSupervisor(config SupervisorConfig) *Supervisor {
	return &Supervisor{config: config, log: config.Log}
}

// Run blocks until the context is cancelled. Startup failures — an
// unreachable store during bootstrap, a broker that refuses the first
// connection — are returned so the process can exit nonzero; once the pool
// is running, a clean shutdown returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("tsds_receiver starting")

	if s.config.PIDFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(s.config.PIDFile, []byte(pid), 0o644); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		defer os.Remove(s.config.PIDFile)
	}

	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	workers, cleanup, err := s.startWorkers(ctx)
	if err != nil {
		cleanup()
		return err
	}

	<-ctx.Done()

	cleanup()
	workers.Wait()

	s.log.Info("tsds_receiver stopped")
	return nil
}

// bootstrap loads the schema registry from the store using a short-lived
// handle of its own.
func (s *Supervisor) bootstrap(ctx context.Context) error {
	store, err := s.config.NewStore()
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer store.Close(ctx)

	if err := s.config.Registry.Bootstrap(ctx, store); err != nil {
		return err
	}

	return nil
}

// startWorkers brings up the pool. Each worker gets its own store, cache,
// and consumer handles; the returned cleanup closes every handle, which also
// closes the delivery channels and lets the workers drain out.
func (s *Supervisor) startWorkers(ctx context.Context) (*sync.WaitGroup, func(), error) {
	s.log.Debugf("Starting %d data workers", s.config.NumWorkers)

	var wg sync.WaitGroup
	var closers []func()

	cleanup := func() {
		for _, closer := range closers {
			closer()
		}
	}

	for i := 0; i < s.config.NumWorkers; i++ {
		store, err := s.config.NewStore()
		if err != nil {
			return &wg, cleanup, fmt.Errorf("worker %d failed to connect to store: %w", i, err)
		}
		closers = append(closers, func() { store.Close(context.Background()) })

		docCache, err := s.config.NewCache()
		if err != nil {
			return &wg, cleanup, fmt.Errorf("worker %d failed to connect to cache: %w", i, err)
		}
		closers = append(closers, func() { docCache.Close() })

		consumer, err := s.config.NewConsumer()
		if err != nil {
			return &wg, cleanup, fmt.Errorf("worker %d failed to connect to broker: %w", i, err)
		}
		closers = append(closers, func() { consumer.Close() })

		deliveries, err := consumer.Consume()
		if err != nil {
			return &wg, cleanup, fmt.Errorf("worker %d failed to start consuming: %w", i, err)
		}

		worker := NewWorker(i, s.config.Registry, &s.createMu, store, docCache, s.log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx, deliveries)
		}()
	}

	return &wg, cleanup, nil
}
