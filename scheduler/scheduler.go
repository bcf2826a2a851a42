// Package scheduler owns the lifecycle of sync workers and migrator passes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/zerolog"
	"github.com/swiftstack/cloudsync/backend"
	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/migrator"
	"github.com/swiftstack/cloudsync/mirror"
	"github.com/swiftstack/cloudsync/stats"
	"github.com/swiftstack/cloudsync/status"
)

type (
	// Scheduler runs one pass per configured entry, either once or forever
	// with a bounded sleep in between. Containers are sharded across a
	// fixed set of runner goroutines; entries on the same shard never run
	// concurrently, which keeps the one-writer-per-status-file rule.
	Scheduler struct {
		conf   *cmn.Config
		local  client.Client
		source mirror.ChangeSource
		status *status.Store
		log    zerolog.Logger

		mu        sync.Mutex
		workers   map[string]*mirror.Worker
		migrators map[string]*migrator.Migrator
	}

	task struct {
		name string
		run  func(ctx context.Context) error
	}
)

func New(conf *cmn.Config, local client.Client, source mirror.ChangeSource,
	st *status.Store, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		conf:      conf,
		local:     local,
		source:    source,
		status:    st,
		log:       log,
		workers:   make(map[string]*mirror.Worker),
		migrators: make(map[string]*migrator.Migrator),
	}
}

// Run executes passes until the context is canceled (forever mode) or one
// full round completes (once mode). Object-level errors are logged, never
// fatal in forever mode.
func (s *Scheduler) Run(ctx context.Context, once bool) error {
	if err := s.status.Prune(s.keepStatus); err != nil {
		s.log.Warn().Err(err).Msg("failed to prune stale status files")
	}
	for {
		passID := cmn.GenUUID()
		s.log.Debug().Str("pass", passID).Msg("starting pass")
		s.runRound(ctx)
		if once {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.conf.Poll()):
		}
	}
}

func (s *Scheduler) keepStatus(account, container string) bool {
	for _, sync := range s.conf.Containers {
		if sync.Account == account &&
			(sync.Container == container || sync.Container == cmn.WildcardContainer) {
			return true
		}
	}
	for _, migration := range s.conf.Migrations {
		if migration.Account == account {
			return true
		}
	}
	return false
}

func (s *Scheduler) runRound(ctx context.Context) {
	tasks, err := s.collectTasks(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to enumerate work")
		return
	}

	shards := make([][]task, s.conf.Workers)
	for _, t := range tasks {
		idx := xxhash.ChecksumString64(t.name) % uint64(len(shards))
		shards[idx] = append(shards[idx], t)
	}

	var wg sync.WaitGroup
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard []task) {
			defer wg.Done()
			for _, t := range shard {
				started := time.Now()
				if err := t.run(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					event := s.log.Error()
					if cmn.IsConsistencyError(err) {
						event = s.log.Error().Bool("operator_attention", true)
					}
					event.Str("entry", t.name).Err(err).Msg("pass failed")
				}
				stats.PassDuration.WithLabelValues(kindOf(t.name)).Observe(time.Since(started).Seconds())
			}
		}(shard)
	}
	wg.Wait()
}

func kindOf(name string) string {
	if len(name) > 0 && name[0] == 'm' {
		return "migration"
	}
	return "sync"
}

// collectTasks expands wildcard entries into per-container work.
func (s *Scheduler) collectTasks(ctx context.Context) ([]task, error) {
	var tasks []task
	for _, conf := range s.conf.Containers {
		conf := conf
		if conf.Container != cmn.WildcardContainer {
			w, err := s.workerFor(conf, conf.Container)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task{
				name: "s:" + conf.Account + "/" + conf.Container,
				run:  w.RunPass,
			})
			continue
		}
		containers, err := s.local.ListContainers(ctx, conf.Account, "", 0)
		if err != nil {
			return nil, err
		}
		for _, entry := range containers {
			w, err := s.workerFor(conf, entry.Name)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task{
				name: "s:" + conf.Account + "/" + entry.Name,
				run:  w.RunPass,
			})
		}
	}
	for _, conf := range s.conf.Migrations {
		m := s.migratorFor(conf)
		tasks = append(tasks, task{
			name: "m:" + conf.Account + "/" + conf.Container,
			run:  m.NextPass,
		})
	}
	return tasks, nil
}

func (s *Scheduler) workerFor(conf *cmn.SyncConfig, container string) (*mirror.Worker, error) {
	key := conf.Account + "/" + container
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[key]; ok {
		return w, nil
	}
	remote, err := backend.New(conf, conf.AwsBucket)
	if err != nil {
		return nil, err
	}
	w := mirror.NewWorker(conf, container, s.local, remote, s.status, s.source,
		s.conf.ItemsChunk, s.log)
	s.workers[key] = w
	return w, nil
}

func (s *Scheduler) migratorFor(conf *cmn.MigrationConfig) *migrator.Migrator {
	key := conf.Account + "/" + conf.Container + "/" + conf.AwsBucket
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.migrators[key]; ok {
		return m
	}
	m := migrator.New(conf, s.local, s.status, s.conf.ItemsChunk, s.log)
	s.migrators[key] = m
	return m
}
