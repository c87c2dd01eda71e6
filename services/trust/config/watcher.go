// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
)

// PolicyWatcher reloads the policy section when the config file changes.
//
// # Description
//
// The directory is watched rather than the file so that editors which
// replace the file by rename are seen. Bursts of events are debounced.
// A file that fails to parse or validate is logged and ignored; the
// previous policy stays in force.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. onChange runs on the
// watcher goroutine.
type PolicyWatcher struct {
	path     string
	debounce time.Duration
	onChange func(gate.Policy)
	logger   *logging.Logger
	watcher  *fsnotify.Watcher

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPolicyWatcher creates a watcher for path. debounce defaults to 250ms.
func NewPolicyWatcher(path string, debounce time.Duration, onChange func(gate.Policy), logger *logging.Logger) (*PolicyWatcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &PolicyWatcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the watch is registered.
func (p *PolicyWatcher) Start(ctx context.Context) error {
	if err := p.watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (p *PolicyWatcher) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		_ = p.watcher.Close()
		p.wg.Wait()
	})
}

func (p *PolicyWatcher) loop(ctx context.Context) {
	defer p.wg.Done()
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			p.reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config.watch_error", "error", err)
		}
	}
}

func (p *PolicyWatcher) reload() {
	policy, err := LoadPolicy(p.path)
	if err != nil {
		p.logger.Warn("config.policy_reload_rejected", "path", p.path, "error", err)
		return
	}
	p.logger.Info("config.policy_reloaded",
		"path", p.path,
		"min_corroboration", policy.MinCorroboration,
		"sensitive_terms", len(policy.SensitiveTerms))
	p.onChange(policy)
}
