// Package backend contains implementation of the remote-store providers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"

	"github.com/aws/aws-sdk-go/service/s3"
)

type (
	// clientPool keeps a small set of protocol clients, each guarded by a
	// counting semaphore sized to the per-client concurrency cap. A
	// top-level semaphore bounds total outstanding borrows, so a successful
	// top-level acquire guarantees some client has a free slot.
	//
	// Acquire order: top-level, then per-client. Release happens on every
	// exit path via the deferred put in withClient.
	clientPool struct {
		top     chan struct{}
		entries []*poolEntry
	}

	poolEntry struct {
		sem chan struct{}
		svc *s3.S3
	}
)

func newClientPool(factory func() *s3.S3, maxConns, perClient int) *clientPool {
	clients := maxConns / perClient
	if maxConns%perClient != 0 {
		clients++
	}
	p := &clientPool{
		top:     make(chan struct{}, maxConns),
		entries: make([]*poolEntry, 0, clients),
	}
	for i := 0; i < clients; i++ {
		p.entries = append(p.entries, &poolEntry{
			sem: make(chan struct{}, perClient),
			svc: factory(),
		})
	}
	return p
}

func (p *clientPool) get(ctx context.Context) (*poolEntry, error) {
	select {
	case p.top <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// guaranteed that there is an open slot we can use
	for {
		for _, entry := range p.entries {
			select {
			case entry.sem <- struct{}{}:
				return entry, nil
			default:
			}
		}
	}
}

func (p *clientPool) put(entry *poolEntry) {
	<-entry.sem
	<-p.top
}

func (p *clientPool) withClient(ctx context.Context, fn func(svc *s3.S3) error) error {
	entry, err := p.get(ctx)
	if err != nil {
		return err
	}
	defer p.put(entry)
	return fn(entry.svc)
}
