// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
)

// EventsResponse is the body of GET /v1/ledger/:tenant/events.
type EventsResponse struct {
	TenantID string         `json:"tenantId"`
	Count    int            `json:"count"`
	Events   []ledger.Event `json:"events"`
}

// ListEvents handles GET /v1/ledger/:tenant/events. Optional from and to
// query parameters (RFC 3339) bound createdAt as from <= t < to.
func ListEvents(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		from, to, err := timeRange(c.Query("from"), c.Query("to"))
		if err != nil {
			badRequest(c, err)
			return
		}

		var events []ledger.Event
		if from.IsZero() && to.IsZero() {
			events, err = svc.Events(c.Request.Context(), tenant)
		} else {
			if to.IsZero() {
				to = time.Unix(1<<40, 0)
			}
			events, err = svc.EventsBetween(c.Request.Context(), tenant, from, to)
		}
		if err != nil {
			storeError(c, err)
			return
		}
		if events == nil {
			events = []ledger.Event{}
		}
		c.JSON(http.StatusOK, EventsResponse{TenantID: tenant, Count: len(events), Events: events})
	}
}

func timeRange(fromRaw, toRaw string) (from, to time.Time, err error) {
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return from, to, errors.New("from must be RFC 3339")
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return from, to, errors.New("to must be RFC 3339")
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, errors.New("from must be before to")
	}
	return from, to, nil
}

// VerifyChain handles GET /v1/ledger/:tenant/verify. A broken chain is a
// result, not an error: the response is 200 with isValid false.
func VerifyChain(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		v, err := svc.VerifyChain(c.Request.Context(), tenant)
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// VerifyAllResponse is the body of GET /v1/ledger/verify.
type VerifyAllResponse struct {
	AllValid bool                  `json:"allValid"`
	Chains   []ledger.Verification `json:"chains"`
}

// VerifyAll handles GET /v1/ledger/verify.
func VerifyAll(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := svc.VerifyAll(c.Request.Context())
		if err != nil {
			storeError(c, err)
			return
		}
		resp := VerifyAllResponse{AllValid: true, Chains: results}
		if resp.Chains == nil {
			resp.Chains = []ledger.Verification{}
		}
		for _, v := range results {
			if !v.IsValid {
				resp.AllValid = false
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// =============================================================================
// Live feed
// =============================================================================

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 256
)

var upgrader = websocket.Upgrader{
	// Callers are authenticated by bearer token before the upgrade.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// Stream handles GET /v1/ledger/:tenant/stream.
//
// # Description
//
// Upgrades to a websocket and writes each event appended to the tenant's
// chain as one JSON text message. With ?since=<seq>, stored events with a
// greater seq are replayed first; live events at or below the last
// written seq are skipped, so a client resuming from its last seq sees
// every event once. Delivery of live events is best effort: when the
// client falls behind by more than the buffer, events are dropped and the
// client is expected to resume with since.
//
// The server pings every streamPingPeriod and closes the connection when
// the client stops answering.
func Stream(svc *trust.Service, logger *logging.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		var since uint64
		replay := false
		if raw := c.Query("since"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				badRequest(c, errors.New("since must be a non-negative integer"))
				return
			}
			since, replay = n, true
		}

		// Subscribe before reading history so nothing falls between them.
		events, cancel := svc.Subscribe(tenant, streamBuffer)
		defer cancel()

		var backlog []ledger.Event
		if replay {
			stored, err := svc.Events(c.Request.Context(), tenant)
			if err != nil {
				storeError(c, err)
				return
			}
			for _, ev := range stored {
				if ev.Seq > since {
					backlog = append(backlog, ev)
				}
			}
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("handlers.stream_upgrade_failed", "tenant_id", tenant, "error", err)
			return
		}
		defer ws.Close()
		logger.Info("handlers.stream_opened", "tenant_id", tenant, "since", since)

		// The read loop only services control frames; it ends when the
		// client goes away.
		gone := make(chan struct{})
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		last := since
		write := func(ev ledger.Event) error {
			if ev.Seq <= last {
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return err
			}
			last = ev.Seq
			return nil
		}
		for _, ev := range backlog {
			if err := write(ev); err != nil {
				return
			}
		}

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				logger.Info("handlers.stream_closed", "tenant_id", tenant, "last_seq", last)
				return
			case <-c.Request.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "ledger closed"),
						time.Now().Add(streamWriteWait))
					return
				}
				if err := write(ev); err != nil {
					logger.Warn("handlers.stream_write_failed", "tenant_id", tenant, "error", err)
					return
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}
}
