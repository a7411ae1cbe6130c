package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sparkdate/video-app/internal/ban"
	"github.com/sparkdate/video-app/internal/call"
	"github.com/sparkdate/video-app/internal/matching"
	"github.com/sparkdate/video-app/internal/media"
	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/metrics"
	"github.com/sparkdate/video-app/internal/persistence"
	"github.com/sparkdate/video-app/internal/preference"
	"github.com/sparkdate/video-app/internal/protocol"
	"github.com/sparkdate/video-app/internal/ratelimit"
	"github.com/sparkdate/video-app/internal/room"
	"github.com/sparkdate/video-app/internal/session"
	"github.com/sparkdate/video-app/internal/ws"
)

const followUpDelay = 24 * time.Hour

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	requeueOnSkip := true
	if v := os.Getenv("REQUEUE_ON_SKIP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			requeueOnSkip = b
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	participants, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	rooms := room.NewStore(participants.Client())
	limiter := ratelimit.NewLimiter(participants.Client())
	bans := ban.NewStore(participants.Client())
	registry := media.NewRegistry()

	// --- Persistence collaborator (optional) ---
	var records *persistence.Client
	if u := os.Getenv("MATCHSTORE_URL"); u != "" {
		records = persistence.NewClient(u)
	}

	coordinator := call.NewCoordinator(rooms, participants, natsClient, registry, requeueOnSkip)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// --- Media service ---
	mediaURL := "ws://localhost:4443/ws"
	if v := os.Getenv("MEDIA_WS_URL"); v != "" {
		mediaURL = v
	}
	mediaClient, err := media.Dial(mediaURL, media.DefaultRetryPolicy(), func(method string, params json.RawMessage) {
		// Upstream notifications from the media service. The only one the
		// core acts on is a producer dying outside our control (encoder
		// crash, camera revoked); both sides of the room are told so the
		// consuming peer can drop its consumer.
		if method != "producerClosed" {
			return
		}
		var ev struct {
			RoomID     string `json:"room_id"`
			ProducerID string `json:"producer_id"`
		}
		if err := json.Unmarshal(params, &ev); err != nil || ev.RoomID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		r, err := rooms.Get(ctx, ev.RoomID)
		if err != nil {
			return
		}
		notice, _ := json.Marshal(messaging.RoomNotice{
			Event:      messaging.NoticeProducerClosed,
			RoomID:     ev.RoomID,
			ProducerID: ev.ProducerID,
		})
		natsClient.PublishRoomNotify(r.ParticipantA, notice)
		natsClient.PublishRoomNotify(r.ParticipantB, notice)
	})
	if err != nil {
		log.Fatalf("failed to connect to media service: %v", err)
	}

	log.Printf("SparkDate signaling server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  media_url:       %s", mediaURL)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  requeue_on_skip: %v", requeueOnSkip)

	dispatcher := ws.NewMessageDispatcher(nil)

	// sendError emits a protocol error event without touching any state.
	sendError := func(conn *ws.Connection, code, message string) {
		dispatcher.SendError(conn, code, message)
	}

	// errorCode maps storage and media sentinels to wire-level error codes.
	errorCode := func(err error) string {
		switch {
		case errors.Is(err, room.ErrNotFound):
			return "room_not_found"
		case errors.Is(err, room.ErrClosed):
			return "room_closed"
		case errors.Is(err, room.ErrNotActive):
			return "room_not_active"
		case errors.Is(err, room.ErrNotParticipant):
			return "not_participant"
		case errors.Is(err, media.ErrTransportNotFound):
			return "transport_not_found"
		case errors.Is(err, media.ErrConsumerNotFound):
			return "consumer_not_found"
		case errors.Is(err, media.ErrDeviceNotReady):
			return "device_not_ready"
		case errors.Is(err, media.ErrNoTransports):
			return "no_transports"
		case errors.Is(err, media.ErrIncompatibleCapabilities):
			return "incompatible_capabilities"
		case errors.Is(err, media.ErrManagerClosed), errors.Is(err, media.ErrServiceUnavailable):
			return "media_unavailable"
		}
		return "internal_error"
	}

	// subscribeRoomNotify wires the participant's room.notify subject to
	// their connection. Every room lifecycle event a peer or another server
	// instance produces arrives here.
	var startSearch func(pid string, prefs preference.Preferences) error
	subscribeRoomNotify := func(pid string) {
		_ = natsClient.UnsubscribeRoomNotify(pid)
		err := natsClient.SubscribeRoomNotify(pid, func(data []byte) {
			var notice messaging.RoomNotice
			if err := json.Unmarshal(data, &notice); err != nil {
				log.Printf("[room-sub] unmarshal for participant=%s: %v", pid, err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			switch notice.Event {
			case messaging.NoticeMatchEnded:
				// Release whatever handles this instance holds, then tell
				// the client. The terminating instance already moved the
				// room to ending; this is the owning side's half. Clearing
				// the session here too covers the sweep path, which
				// publishes without touching sessions.
				coordinator.ReleaseLocal(ctx, notice.RoomID, pid)
				if err := participants.ClearRoom(ctx, pid); err != nil {
					log.Printf("[room-sub] clear session %s: %v", pid, err)
				}

				// Unsubscribe before any requeue. startSearch publishes the
				// match request, and the matcher may pair this participant
				// and have the match.found handler install the next room's
				// subscription before this callback returns; unsubscribing
				// after that would tear down the new room's events.
				_ = natsClient.UnsubscribeRoomNotify(pid)

				requeued := false
				if notice.Requeue {
					if sess, err := participants.Get(ctx, pid); err == nil && sess != nil && sess.Preferences != "" {
						var prefs preference.Preferences
						if err := json.Unmarshal([]byte(sess.Preferences), &prefs); err == nil {
							requeued = startSearch(pid, prefs) == nil
						}
					}
				}

				resp, _ := protocol.NewServerMessage(protocol.TypeMatchEnded, protocol.MatchEndedMsg{
					RoomID:   notice.RoomID,
					Reason:   notice.Reason,
					Requeued: requeued,
				})
				server.SendMessage(pid, resp)

			case messaging.NoticeMutualMatch:
				resp, _ := protocol.NewServerMessage(protocol.TypeMutualMatch, protocol.MutualMatchMsg{
					RoomID: notice.RoomID,
				})
				server.SendMessage(pid, resp)

			case messaging.NoticeNewProducer:
				if notice.PeerID == pid {
					return // our own producer, nothing to consume
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeNewProducer, protocol.NewProducerMsg{
					ProducerID: notice.ProducerID,
					PeerID:     notice.PeerID,
					Kind:       notice.Kind,
				})
				server.SendMessage(pid, resp)

			case messaging.NoticeProducerClosed:
				if mgr, ok := registry.Lookup(notice.RoomID, pid); ok {
					mgr.DropConsumerFor(notice.ProducerID)
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeProducerClosed, protocol.ProducerClosedMsg{
					ProducerID: notice.ProducerID,
				})
				server.SendMessage(pid, resp)
			}
		})
		if err != nil {
			log.Printf("[room-sub] subscribe for participant=%s FAILED: %v", pid, err)
		}
	}

	// startSearch enqueues the participant: session to searching, request to
	// the matcher, match.found subscription armed. Shared between the
	// start_searching handler and the requeue path.
	startSearch = func(pid string, prefs preference.Preferences) error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		prefsJSON, err := json.Marshal(prefs)
		if err != nil {
			return err
		}
		if err := participants.StartSearching(ctx, pid, string(prefsJSON)); err != nil {
			return err
		}

		_ = natsClient.UnsubscribeMatchFound(pid)
		if err := natsClient.SubscribeMatchFound(pid, func(data []byte) {
			var result matching.MatchResult
			if err := json.Unmarshal(data, &result); err != nil {
				return
			}
			bgCtx, bgCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer bgCancel()

			if result.Timeout {
				participants.SetIdle(bgCtx, pid)
				resp, _ := protocol.NewServerMessage(protocol.TypeSearchTimeout, protocol.SearchTimeoutMsg{})
				server.SendMessage(pid, resp)
			} else {
				participants.SetMatched(bgCtx, pid, result.RoomID, result.PeerID)
				subscribeRoomNotify(pid)
				resp, _ := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
					RoomID:          result.RoomID,
					PeerID:          result.PeerID,
					SharedInterests: result.SharedInterests,
				})
				server.SendMessage(pid, resp)
			}
			_ = natsClient.UnsubscribeMatchFound(pid)
		}); err != nil {
			return err
		}

		req, err := json.Marshal(matching.SearchRequest{ParticipantID: pid, Preferences: prefs})
		if err != nil {
			return err
		}
		return natsClient.PublishMatchRequest(req)
	}

	// memberRoom validates a room id sent by the client against its current
	// state: the room must exist and the caller must be one of its pair.
	memberRoom := func(ctx context.Context, conn *ws.Connection, roomID string) *room.Room {
		r, err := rooms.Get(ctx, roomID)
		if err != nil {
			sendError(conn, errorCode(err), "unknown room")
			return nil
		}
		if !r.IsParticipant(conn.ID) {
			sendError(conn, "not_participant", "not a member of this room")
			return nil
		}
		return r
	}

	// managerFor resolves the caller's media manager from its session. Media
	// messages after create_transport carry no room id; the session does.
	managerFor := func(ctx context.Context, conn *ws.Connection) *media.Manager {
		sess, err := participants.Get(ctx, conn.ID)
		if err != nil || sess == nil || !sess.InRoom() {
			sendError(conn, "room_not_found", "not in a room")
			return nil
		}
		mgr, ok := registry.Lookup(sess.RoomID, conn.ID)
		if !ok {
			sendError(conn, "no_transports", "no media session for this room")
			return nil
		}
		return mgr
	}

	// allowSignal applies the media signaling budget.
	allowSignal := func(ctx context.Context, conn *ws.Connection) bool {
		allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleSignal)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSignal.Window / time.Second),
			})
			conn.WriteMessage(resp)
		}
		return allowed
	}

	// mediaFailed translates a room-level media failure into termination.
	// Per-track failures never come through here.
	mediaFailed := func(ctx context.Context, roomID, pid string) {
		log.Printf("[media] room=%s participant=%s media service unavailable, ending room", roomID, pid)
		if err := coordinator.TerminateRoom(ctx, roomID, pid, room.ReasonMediaUnavailable); err != nil {
			log.Printf("[media] terminate room=%s: %v", roomID, err)
		}
	}

	// -----------------------------------------------------------------------
	// start_searching — enter the matching pool
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStartSearching, func(conn *ws.Connection, msg interface{}) {
		startMsg, ok := msg.(protocol.StartSearchingMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sess, err := participants.Get(ctx, pid)
		if err != nil || sess == nil {
			sendError(conn, "internal_error", "session not found")
			return
		}
		if sess.InRoom() {
			sendError(conn, "invalid_state", "already in a room")
			return
		}

		banned, remaining, reason, err := bans.IsBanned(ctx, sess.Identity)
		if err != nil {
			log.Printf("start_searching: ban check for %s: %v", pid, err)
		}
		if banned {
			resp, _ := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{
				Duration: remaining,
				Reason:   reason,
			})
			conn.WriteMessage(resp)
			return
		}

		allowed, _ := limiter.Allow(ctx, pid, ratelimit.RuleSearch)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSearch.Window / time.Second),
			})
			conn.WriteMessage(resp)
			return
		}

		var prefs preference.Preferences
		if len(startMsg.Preferences) > 0 {
			if err := json.Unmarshal(startMsg.Preferences, &prefs); err != nil {
				sendError(conn, "invalid_preferences", "malformed preferences")
				return
			}
		}
		prefs = prefs.Normalize()
		if err := prefs.Validate(); err != nil {
			sendError(conn, "invalid_preferences", err.Error())
			return
		}

		if err := startSearch(pid, prefs); err != nil {
			log.Printf("start_searching: enqueue %s: %v", pid, err)
			sendError(conn, "internal_error", "could not start searching")
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeSearchingStarted, protocol.SearchingStartedMsg{
			Timeout: 30,
		})
		conn.WriteMessage(resp)
		log.Printf("start_searching participant=%s", pid)
	})

	// -----------------------------------------------------------------------
	// stop_searching — leave the pool, or leave the current call entirely
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStopSearching, func(conn *ws.Connection, msg interface{}) {
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sess, err := participants.Get(ctx, pid)
		if err != nil || sess == nil {
			return
		}

		if sess.InRoom() {
			// Stop during a call ends the room; only the peer is re-queued.
			if err := coordinator.TerminateRoom(ctx, sess.RoomID, pid, room.ReasonStop); err != nil {
				log.Printf("stop_searching: terminate room=%s: %v", sess.RoomID, err)
			}
			log.Printf("stop_searching participant=%s (left room=%s)", pid, sess.RoomID)
			return
		}

		req, _ := json.Marshal(matching.CancelRequest{ParticipantID: pid})
		natsClient.PublishMatchCancel(req)
		_ = natsClient.UnsubscribeMatchFound(pid)
		participants.SetIdle(ctx, pid)
		log.Printf("stop_searching participant=%s", pid)
	})

	// -----------------------------------------------------------------------
	// skip — end the current room and look for the next partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSkip, func(conn *ws.Connection, msg interface{}) {
		skipMsg, ok := msg.(protocol.SkipMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if memberRoom(ctx, conn, skipMsg.RoomID) == nil {
			return
		}
		if err := coordinator.TerminateRoom(ctx, skipMsg.RoomID, pid, room.ReasonSkip); err != nil {
			sendError(conn, errorCode(err), "could not skip")
			return
		}
		log.Printf("skip participant=%s room=%s", pid, skipMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// like — vote for the current partner; mutual votes make a match
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLike, func(conn *ws.Connection, msg interface{}) {
		likeMsg, ok := msg.(protocol.LikeMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, pid, ratelimit.RuleLike)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleLike.Window / time.Second),
			})
			conn.WriteMessage(resp)
			return
		}

		mutual, err := rooms.RecordLike(ctx, likeMsg.RoomID, pid)
		if err != nil {
			sendError(conn, errorCode(err), "could not record like")
			return
		}
		log.Printf("like participant=%s room=%s mutual=%v", pid, likeMsg.RoomID, mutual)
		if !mutual {
			return
		}

		// Both voted. The winning like fires the event exactly once; from
		// here everything is attributable to the room, not to us.
		metrics.MutualMatchesTotal.Inc()

		r, err := rooms.Get(ctx, likeMsg.RoomID)
		if err != nil {
			log.Printf("like: load mutual room=%s: %v", likeMsg.RoomID, err)
			return
		}
		notice, _ := json.Marshal(messaging.RoomNotice{
			Event:  messaging.NoticeMutualMatch,
			RoomID: r.ID,
		})
		natsClient.PublishRoomNotify(r.ParticipantA, notice)
		natsClient.PublishRoomNotify(r.ParticipantB, notice)

		if records != nil {
			go func(r room.Room) {
				pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer pcancel()
				if err := records.RecordLike(pctx, r.ID, r.ParticipantA, r.ParticipantB); err != nil {
					log.Printf("like: persist match room=%s: %v", r.ID, err)
					return
				}
				at := time.Now().Add(followUpDelay)
				if err := records.ScheduleFollowUp(pctx, r.ID, r.ParticipantA, r.ParticipantB, at); err != nil {
					log.Printf("like: schedule follow-up room=%s: %v", r.ID, err)
				}
				if err := records.ScheduleFollowUp(pctx, r.ID, r.ParticipantB, r.ParticipantA, at); err != nil {
					log.Printf("like: schedule follow-up room=%s: %v", r.ID, err)
				}
			}(*r)
		}
	})

	// -----------------------------------------------------------------------
	// report_peer — report the partner, end the room, escalate bans
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReportPeer, func(conn *ws.Connection, msg interface{}) {
		reportMsg, ok := msg.(protocol.ReportPeerMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		r := memberRoom(ctx, conn, reportMsg.RoomID)
		if r == nil {
			return
		}
		peerID := r.Partner(pid)

		// Bans key on the stable device identity, not the per-connection id.
		identity := peerID
		if peerSess, err := participants.Get(ctx, peerID); err == nil && peerSess != nil && peerSess.Identity != "" {
			identity = peerSess.Identity
		}

		if records != nil {
			go func() {
				pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer pcancel()
				if err := records.RecordReport(pctx, pid, peerID, reportMsg.RoomID, reportMsg.Reason); err != nil {
					log.Printf("report_peer: persist report room=%s: %v", reportMsg.RoomID, err)
				}
			}()
		}

		banned, duration, err := bans.ReportAndCheck(ctx, identity, reportMsg.Reason)
		if err != nil {
			log.Printf("report_peer: escalation check for %s: %v", peerID, err)
		} else if banned {
			log.Printf("report_peer: participant=%s banned for %s after repeated reports", peerID, duration)
		}

		if err := coordinator.TerminateRoom(ctx, reportMsg.RoomID, pid, room.ReasonReport); err != nil {
			sendError(conn, errorCode(err), "could not end room")
			return
		}
		log.Printf("report_peer participant=%s room=%s reason=%s", pid, reportMsg.RoomID, reportMsg.Reason)
	})

	// -----------------------------------------------------------------------
	// create_transport — capability handshake + WebRTC transport
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCreateTransport, func(conn *ws.Connection, msg interface{}) {
		createMsg, ok := msg.(protocol.CreateTransportMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !allowSignal(ctx, conn) {
			return
		}
		r := memberRoom(ctx, conn, createMsg.RoomID)
		if r == nil {
			return
		}
		if r.Status != room.StatusForming && r.Status != room.StatusActive {
			sendError(conn, "room_closed", "room is not accepting media setup")
			return
		}

		mgr := registry.Obtain(mediaClient, createMsg.RoomID, pid)
		if _, err := mgr.Handshake(ctx); err != nil {
			if errors.Is(err, media.ErrServiceUnavailable) {
				mediaFailed(ctx, createMsg.RoomID, pid)
				return
			}
			sendError(conn, errorCode(err), "capability handshake failed")
			return
		}

		info, err := mgr.CreateTransport(ctx, createMsg.Direction)
		if err != nil {
			if errors.Is(err, media.ErrServiceUnavailable) {
				mediaFailed(ctx, createMsg.RoomID, pid)
				return
			}
			sendError(conn, errorCode(err), "could not create transport")
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeTransportCreated, protocol.TransportCreatedMsg{
			TransportID:    info.ID,
			Direction:      createMsg.Direction,
			IceParameters:  info.IceParameters,
			IceCandidates:  info.IceCandidates,
			DtlsParameters: info.DtlsParameters,
		})
		conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// connect_transport — DTLS handshake; first success marks media ready
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeConnectTransport, func(conn *ws.Connection, msg interface{}) {
		connectMsg, ok := msg.(protocol.ConnectTransportMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !allowSignal(ctx, conn) {
			return
		}
		mgr := managerFor(ctx, conn)
		if mgr == nil {
			return
		}

		if err := mgr.ConnectTransport(ctx, connectMsg.TransportID, connectMsg.DtlsParameters); err != nil {
			if errors.Is(err, media.ErrServiceUnavailable) {
				mediaFailed(ctx, mgr.RoomID(), pid)
				return
			}
			sendError(conn, errorCode(err), "could not connect transport")
			return
		}

		// A connected transport is our definition of a working media path.
		activated, err := rooms.MarkMediaReady(ctx, mgr.RoomID(), pid)
		if err != nil {
			log.Printf("connect_transport: mark ready room=%s participant=%s: %v", mgr.RoomID(), pid, err)
			return
		}
		if activated {
			r, err := rooms.Get(ctx, mgr.RoomID())
			if err != nil {
				return
			}
			metrics.ActiveRooms.Inc()
			if r.CreatedAt > 0 {
				metrics.MediaSetupDuration.Observe(time.Since(time.Unix(r.CreatedAt, 0)).Seconds())
			}
			participants.SetInCall(ctx, r.ParticipantA)
			participants.SetInCall(ctx, r.ParticipantB)
			log.Printf("room %s active: both media paths confirmed", r.ID)
		}
	})

	// -----------------------------------------------------------------------
	// produce — start sending a track; the peer is told to consume it
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeProduce, func(conn *ws.Connection, msg interface{}) {
		produceMsg, ok := msg.(protocol.ProduceMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !allowSignal(ctx, conn) {
			return
		}
		sess, err := participants.Get(ctx, pid)
		if err != nil || sess == nil || !sess.InRoom() {
			sendError(conn, "room_not_found", "not in a room")
			return
		}
		mgr, ok := registry.Lookup(sess.RoomID, pid)
		if !ok {
			sendError(conn, "no_transports", "no media session for this room")
			return
		}

		producerID, err := mgr.StartProducing(ctx, produceMsg.Kind, produceMsg.RtpParameters)
		if err != nil {
			if errors.Is(err, media.ErrServiceUnavailable) {
				mediaFailed(ctx, sess.RoomID, pid)
				return
			}
			sendError(conn, errorCode(err), "could not produce")
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeProducerCreated, protocol.ProducerCreatedMsg{
			ProducerID: producerID,
			Kind:       produceMsg.Kind,
		})
		conn.WriteMessage(resp)

		notice, _ := json.Marshal(messaging.RoomNotice{
			Event:      messaging.NoticeNewProducer,
			RoomID:     sess.RoomID,
			PeerID:     pid,
			ProducerID: producerID,
			Kind:       produceMsg.Kind,
		})
		natsClient.PublishRoomNotify(sess.PeerID, notice)
	})

	// -----------------------------------------------------------------------
	// consume — receive the peer's track; incompatibility skips the track
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeConsume, func(conn *ws.Connection, msg interface{}) {
		consumeMsg, ok := msg.(protocol.ConsumeMsg)
		if !ok {
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !allowSignal(ctx, conn) {
			return
		}
		mgr := managerFor(ctx, conn)
		if mgr == nil {
			return
		}

		info, err := mgr.ConsumeRemote(ctx, consumeMsg.ProducerID, consumeMsg.RtpCapabilities)
		if err != nil {
			if errors.Is(err, media.ErrIncompatibleCapabilities) {
				// Track-level: the call goes on without this track.
				log.Printf("consume: participant=%s producer=%s incompatible, skipping track", pid, consumeMsg.ProducerID)
				sendError(conn, "incompatible_capabilities", "track cannot be consumed")
				return
			}
			if errors.Is(err, media.ErrServiceUnavailable) {
				mediaFailed(ctx, mgr.RoomID(), pid)
				return
			}
			sendError(conn, errorCode(err), "could not consume")
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeConsumerCreated, protocol.ConsumerCreatedMsg{
			ConsumerID:    info.ID,
			ProducerID:    info.ProducerID,
			Kind:          info.Kind,
			RtpParameters: info.RtpParameters,
		})
		conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// resume_consumer — consumers start paused; the client unpauses
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeResumeConsumer, func(conn *ws.Connection, msg interface{}) {
		resumeMsg, ok := msg.(protocol.ResumeConsumerMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !allowSignal(ctx, conn) {
			return
		}
		mgr := managerFor(ctx, conn)
		if mgr == nil {
			return
		}

		if err := mgr.ResumeConsumer(ctx, resumeMsg.ConsumerID); err != nil {
			sendError(conn, errorCode(err), "could not resume consumer")
			return
		}
	})

	server = ws.NewServer(config, participants, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	dispatcher.SetServer(server)

	// Disconnect cleanup: a vanished participant leaves the pool or, if in a
	// room, ends it with the disconnect reason so the survivor is re-queued.
	server.SetOnDisconnect(func(pid string) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		_ = natsClient.UnsubscribeMatchFound(pid)
		_ = natsClient.UnsubscribeRoomNotify(pid)

		sess, err := participants.Get(ctx, pid)
		if err != nil || sess == nil {
			return
		}

		if sess.Status == session.StatusSearching {
			req, _ := json.Marshal(matching.CancelRequest{ParticipantID: pid})
			natsClient.PublishMatchCancel(req)
		}

		if sess.InRoom() {
			if err := coordinator.TerminateRoom(ctx, sess.RoomID, pid, room.ReasonDisconnect); err != nil {
				log.Printf("[disconnect] terminate room=%s for %s: %v", sess.RoomID, pid, err)
			}
		}

		log.Printf("disconnect cleanup participant=%s status=%s", pid, sess.Status)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		mediaClient.Close()
		if err := participants.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
