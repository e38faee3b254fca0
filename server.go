package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	feedClientBuffer = 256
	feedWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// feedHub fans feed messages out to websocket clients. A client that cannot
// keep up is disconnected rather than allowed to block the dispatcher.
type feedHub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	stats   *statsInternal
}

type feedClient struct {
	conn *websocket.Conn
	send chan feedMessage
	once sync.Once
}

func newFeedHub(stats *statsInternal) *feedHub {
	return &feedHub{clients: make(map[*feedClient]struct{}), stats: stats}
}

func (h *feedHub) publish(msg feedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("feed client too slow, disconnecting", slog.String("remote", c.conn.RemoteAddr().String()))
			h.dropLocked(c)
		}
	}
}

func (h *feedHub) add(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.stats.recFeedClients(1)
}

func (h *feedHub) drop(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *feedHub) dropLocked(c *feedClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
	h.stats.recFeedClients(-1)
}

func (h *feedHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// ctrlServer is the HTTP control surface of the analyzer.
type ctrlServer struct {
	analyzer *logicAnalyzer
	stats    *statsInternal
	feed     *feedHub
}

func newCtrlServer(an *logicAnalyzer, stats *statsInternal, feed *feedHub) *ctrlServer {
	return &ctrlServer{analyzer: an, stats: stats, feed: feed}
}

// SetupMux routes the event feed, metrics and the JSON control API.
func (s *ctrlServer) SetupMux() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", s.stats.Handler())
	r.HandleFunc("/ws", s.WebsocketHandler)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.StatsMiddleware)

	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/configure", s.ConfigureHandler).Methods(http.MethodPost)
	api.HandleFunc("/start", s.StartHandler).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.StopHandler).Methods(http.MethodPost)
	api.HandleFunc("/auto", s.AutoTriggerHandler).Methods(http.MethodPut)
	api.HandleFunc("/decoders", s.DecodersHandler).Methods(http.MethodGet)
	api.HandleFunc("/triggers", s.TriggersHandler).Methods(http.MethodGet)
	api.HandleFunc("/triggers", s.SetTriggersHandler).Methods(http.MethodPut)

	api.HandleFunc("/curves", s.CurvesHandler).Methods(http.MethodGet)
	api.HandleFunc("/curves", s.AddCurveHandler).Methods(http.MethodPost)
	api.HandleFunc("/curves/{handle}", s.RemoveCurveHandler).Methods(http.MethodDelete)
	api.HandleFunc("/curves/{handle}", s.UpdateCurveHandler).Methods(http.MethodPatch)
	api.HandleFunc("/curves/{handle}/stack", s.StackHandler).Methods(http.MethodPost)
	api.HandleFunc("/curves/{handle}/stack", s.UnstackHandler).Methods(http.MethodDelete)
	api.HandleFunc("/curves/{handle}/compatible", s.CompatibleHandler).Methods(http.MethodGet)
	api.HandleFunc("/curves/{handle}/options/{stage:[0-9]+}", s.OptionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/curves/{handle}/options/{stage:[0-9]+}", s.SetOptionsHandler).Methods(http.MethodPut)
	api.HandleFunc("/curves/{handle}/annotations", s.AnnotationsHandler).Methods(http.MethodGet)
	api.HandleFunc("/curves/{handle}/samples", s.SamplesHandler).Methods(http.MethodGet)

	api.HandleFunc("/groups", s.GroupsHandler).Methods(http.MethodGet)
	api.HandleFunc("/groups", s.CreateGroupHandler).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id}/move", s.MoveInGroupHandler).Methods(http.MethodPost)
	api.HandleFunc("/groups/members/{handle}", s.UngroupHandler).Methods(http.MethodDelete)

	return r
}

// respWriter records the status code for StatsMiddleware.
type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *ctrlServer) StatsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &respWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.stats.recWWW(strconv.Itoa(rw.status), r.Method)
	})
}

func (s *ctrlServer) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &feedClient{conn: conn, send: make(chan feedMessage, feedClientBuffer)}
	s.feed.add(c)
	defer s.feed.drop(c)

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

type sessionView struct {
	ID         uint64    `json:"id"`
	SampleRate float64   `json:"sampleRate"`
	BufferSize uint64    `json:"bufferSize"`
	Mode       string    `json:"mode"`
	Delay      int       `json:"delay"`
	ChunkSize  uint64    `json:"chunkSize"`
	Started    time.Time `json:"started"`
}

func viewSession(cs *captureSession) *sessionView {
	if cs == nil {
		return nil
	}
	return &sessionView{
		ID: cs.id, SampleRate: cs.sampleRate, BufferSize: cs.bufferSize,
		Mode: cs.mode.String(), Delay: cs.delay, ChunkSize: cs.chunkSize, Started: cs.started,
	}
}

func (s *ctrlServer) StatusHandler(w http.ResponseWriter, r *http.Request) {
	st, cs, last := s.analyzer.status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":              st.display().String(),
		"auto":               st.Auto,
		"session":            viewSession(cs),
		"lastCapturedSample": last,
		"buffer":             s.analyzer.ctrl.bufferState(),
	})
}

func (s *ctrlServer) ConfigureHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SampleRate float64 `json:"sampleRate"`
		BufferSize uint64  `json:"bufferSize"`
		Mode       string  `json:"mode"`
		Delay      int     `json:"delay"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	mode, err := parseCaptureMode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	rate, size, err := s.analyzer.configure(req.SampleRate, req.BufferSize, mode, req.Delay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sampleRate": rate, "bufferSize": size})
}

func (s *ctrlServer) StartHandler(w http.ResponseWriter, r *http.Request) {
	cs, err := s.analyzer.start()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(cs))
}

func (s *ctrlServer) StopHandler(w http.ResponseWriter, r *http.Request) {
	s.analyzer.stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) AutoTriggerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	s.analyzer.setAutoTrigger(req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) DecodersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"decoders":    s.analyzer.catalog.descriptors(),
		"entryPoints": s.analyzer.catalog.entryPoints(),
	})
}

type triggersBody struct {
	Channels []string `json:"channels"`
	External string   `json:"external"`
}

func (s *ctrlServer) TriggersHandler(w http.ResponseWriter, r *http.Request) {
	chans, ext := s.analyzer.ctrl.triggerConditions()
	body := triggersBody{Channels: make([]string, len(chans)), External: ext.String()}
	for i, c := range chans {
		body.Channels[i] = c.String()
	}
	writeJSON(w, http.StatusOK, body)
}

// SetTriggersHandler applies the listed channel conditions in order; an
// empty entry leaves that channel alone, as does an empty external.
func (s *ctrlServer) SetTriggersHandler(w http.ResponseWriter, r *http.Request) {
	var req triggersBody
	if !readJSON(w, r, &req) {
		return
	}
	for ch, name := range req.Channels {
		if name == "" {
			continue
		}
		cond, err := parseTriggerCondition(name)
		if err == nil {
			err = s.analyzer.ctrl.setTriggerCondition(ch, cond)
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if req.External != "" {
		cond, err := parseTriggerCondition(req.External)
		if err == nil {
			err = s.analyzer.ctrl.setExternalTriggerCondition(cond)
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}
	s.TriggersHandler(w, r)
}

func (s *ctrlServer) CurvesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analyzer.listCurves())
}

func (s *ctrlServer) AddCurveHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel *int              `json:"channel"`
		Decoder string            `json:"decoder"`
		Name    string            `json:"name"`
		Options map[string]string `json:"options"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	var (
		h   uuid.UUID
		err error
	)
	switch {
	case req.Decoder != "":
		h, err = s.analyzer.addDecoderCurve(req.Decoder, req.Name, req.Options)
	case req.Channel != nil:
		h, err = s.analyzer.addDataCurve(*req.Channel, req.Name)
	default:
		writeError(w, errInvalidArgument)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"handle": h})
}

func (s *ctrlServer) RemoveCurveHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	if err := s.analyzer.removeCurve(h); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) UpdateCurveHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		TraceHeight int    `json:"traceHeight"`
		Enabled     *bool  `json:"enabled"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.analyzer.setCurveDisplay(h, req.Name, req.TraceHeight); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled != nil {
		if err := s.analyzer.setCurveEnabled(h, *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) StackHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	var req struct {
		Decoder string            `json:"decoder"`
		Options map[string]string `json:"options"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.analyzer.stackDecoder(h, req.Decoder, req.Options); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) UnstackHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	if err := s.analyzer.unstackDecoder(h); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) CompatibleHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	descs, err := s.analyzer.compatibleDecoders(h)
	if err != nil {
		writeError(w, err)
		return
	}
	if descs == nil {
		descs = []decoderDescriptor{}
	}
	writeJSON(w, http.StatusOK, descs)
}

func (s *ctrlServer) OptionsHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	stage, _ := strconv.Atoi(mux.Vars(r)["stage"])
	opts, err := s.analyzer.decoderOptions(h, stage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *ctrlServer) SetOptionsHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	stage, _ := strconv.Atoi(mux.Vars(r)["stage"])
	var req map[string]any
	if !readJSON(w, r, &req) {
		return
	}
	for k, v := range req {
		if err := s.analyzer.setDecoderOption(h, stage, k, v); err != nil {
			writeError(w, err)
			return
		}
	}
	s.OptionsHandler(w, r)
}

// AnnotationsHandler serves the current session from memory, or a past one
// from the store when ?session= is given.
func (s *ctrlServer) AnnotationsHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	from, to, ok := rangeQuery(w, r)
	if !ok {
		return
	}

	var (
		anns []Annotation
		err  error
	)
	if sess := r.URL.Query().Get("session"); sess != "" {
		id, perr := strconv.ParseUint(sess, 10, 64)
		if perr != nil {
			writeError(w, errInvalidArgument)
			return
		}
		anns, err = s.analyzer.storedAnnotations(id, h, from, to)
	} else {
		anns, err = s.analyzer.annotations(h, from, to)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if anns == nil {
		anns = []Annotation{}
	}
	writeJSON(w, http.StatusOK, anns)
}

func (s *ctrlServer) SamplesHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	from, to, ok := rangeQuery(w, r)
	if !ok {
		return
	}
	levels, err := s.analyzer.channelLevels(h, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "levels": levels})
}

func (s *ctrlServer) GroupsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analyzer.listGroups())
}

func (s *ctrlServer) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Members []uuid.UUID `json:"members"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	id, err := s.analyzer.createGroup(req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

func (s *ctrlServer) MoveInGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errInvalidArgument)
		return
	}
	var req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.analyzer.moveInGroup(id, req.From, req.To); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ctrlServer) UngroupHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	deleted, err := s.analyzer.ungroupCurve(h)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"groupDeleted": deleted})
}

func handleVar(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	h, err := uuid.Parse(mux.Vars(r)["handle"])
	if err != nil {
		writeError(w, errUnknownCurve)
		return uuid.Nil, false
	}
	return h, true
}

func rangeQuery(w http.ResponseWriter, r *http.Request) (uint64, uint64, bool) {
	q := r.URL.Query()
	from, to := uint64(0), uint64(1<<63)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, errInvalidArgument)
			return 0, 0, false
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, errInvalidArgument)
			return 0, 0, false
		}
	}
	return from, to, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("could not encode response", slog.Any("error", err))
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownCurve), errors.Is(err, errUnknownDecoder):
		return http.StatusNotFound
	case errors.Is(err, errAlreadyRunning), errors.Is(err, errNotConfigured),
		errors.Is(err, errIncompatibleKind), errors.Is(err, errEmptyStack),
		errors.Is(err, errStackBottom), errors.Is(err, errAlreadyGrouped),
		errors.Is(err, errRangeUnavailable):
		return http.StatusConflict
	case errors.Is(err, errConfiguration), errors.Is(err, errInvalidOption),
		errors.Is(err, errInvalidArgument), errors.Is(err, errGroupTooSmall),
		errors.Is(err, errInvalidConfigQty):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}
