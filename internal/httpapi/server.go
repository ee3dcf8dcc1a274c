// Package httpapi exposes each actor's REST surface and the streaming
// upgrades, routing every request through the runtime host so callers never
// bypass instance serialization.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"engagestack.local/engage-core/internal/campaign"
	"engagestack.local/engage-core/internal/conversation"
	"engagestack.local/engage-core/internal/customer"
	"engagestack.local/engage-core/internal/ratelimit"
	"engagestack.local/engage-core/internal/runtime"
	"engagestack.local/engage-core/internal/workflow"
)

type server struct {
	logger *log.Logger
	host   *runtime.Host
}

func NewServer(logger *log.Logger, addr string, host *runtime.Host) *http.Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &server{logger: logger, host: host}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /conversations/{id}/initialize", s.handleConversationInitialize)
	mux.HandleFunc("GET /conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("PATCH /conversations/{id}", s.handleConversationPatch)
	mux.HandleFunc("POST /conversations/{id}/messages", s.handleConversationAddMessage)
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("POST /conversations/{id}/generate-ai-response", s.handleConversationGenerate)
	mux.HandleFunc("POST /conversations/{id}/typing", s.handleConversationTyping)
	mux.HandleFunc("POST /conversations/{id}/mark-read", s.handleConversationMarkRead)
	mux.HandleFunc("GET /conversations/{id}/stream", s.handleConversationStream)

	mux.HandleFunc("GET /customers/{id}", s.handleCustomerGet)
	mux.HandleFunc("POST /customers/{id}", s.handleCustomerUpsert)
	mux.HandleFunc("GET /customers/{id}/contact-points", s.handleCustomerContactPoints)
	mux.HandleFunc("POST /customers/{id}/contact-points", s.handleCustomerSetContactPoint)
	mux.HandleFunc("GET /customers/{id}/activities", s.handleCustomerActivities)
	mux.HandleFunc("GET /customers/{id}/messages", s.handleCustomerMessages)
	mux.HandleFunc("POST /customers/{id}/messages/send", s.handleCustomerSendMessage)
	mux.HandleFunc("POST /customers/{id}/messages/receive", s.handleCustomerReceiveMessage)
	mux.HandleFunc("GET /customers/{id}/calls", s.handleCustomerCalls)
	mux.HandleFunc("POST /customers/{id}/calls", s.handleCustomerLogCall)
	mux.HandleFunc("PATCH /customers/{id}/calls/{callID}", s.handleCustomerPatchCall)
	mux.HandleFunc("GET /customers/{id}/notes", s.handleCustomerNotes)
	mux.HandleFunc("POST /customers/{id}/notes", s.handleCustomerAddNote)
	mux.HandleFunc("POST /customers/{id}/notes/{noteID}/pin", s.handleCustomerPinNote)
	mux.HandleFunc("GET /customers/{id}/tasks", s.handleCustomerTasks)
	mux.HandleFunc("POST /customers/{id}/tasks", s.handleCustomerAddTask)
	mux.HandleFunc("PATCH /customers/{id}/tasks/{taskID}", s.handleCustomerPatchTask)
	mux.HandleFunc("GET /customers/{id}/ai-context", s.handleCustomerAIContext)
	mux.HandleFunc("PATCH /customers/{id}/ai-context", s.handleCustomerUpdateAIContext)
	mux.HandleFunc("GET /customers/{id}/ai-context/formatted", s.handleCustomerAIContextFormatted)
	mux.HandleFunc("POST /customers/{id}/ai-context/enrich", s.handleCustomerEnrich)
	mux.HandleFunc("POST /customers/{id}/ai-context/resolve-pain-point", s.handleCustomerResolvePainPoint)
	mux.HandleFunc("GET /customers/{id}/export", s.handleCustomerExport)
	mux.HandleFunc("DELETE /customers/{id}/delete-all", s.handleCustomerDeleteAll)
	mux.HandleFunc("GET /customers/{id}/stream", s.handleCustomerStream)

	mux.HandleFunc("POST /rate-limit/check", s.handleRateLimitCheck)
	mux.HandleFunc("POST /token-bucket/check", s.handleTokenBucketCheck)
	mux.HandleFunc("POST /lock/acquire", s.handleLockAcquire)
	mux.HandleFunc("POST /lock/release", s.handleLockRelease)
	mux.HandleFunc("POST /api-rate-limit/check", s.handleAPIRateLimitCheck)
	mux.HandleFunc("POST /api-rate-limit/release", s.handleAPIRateLimitRelease)

	mux.HandleFunc("POST /workflows/{id}/execute", s.handleWorkflowExecute)
	mux.HandleFunc("POST /workflows/{id}/trigger", s.handleWorkflowTrigger)
	mux.HandleFunc("POST /workflows/{id}/resume", s.handleWorkflowResume)
	mux.HandleFunc("POST /workflows/{id}/cancel", s.handleWorkflowCancel)
	mux.HandleFunc("GET /workflows/{id}/status", s.handleWorkflowStatus)

	mux.HandleFunc("POST /campaigns/{id}/init", s.handleCampaignInit)
	mux.HandleFunc("POST /campaigns/{id}/audience", s.handleCampaignAddAudience)
	mux.HandleFunc("POST /campaigns/{id}/start", s.handleCampaignStart)
	mux.HandleFunc("POST /campaigns/{id}/pause", s.handleCampaignPause)
	mux.HandleFunc("POST /campaigns/{id}/resume", s.handleCampaignResume)
	mux.HandleFunc("POST /campaigns/{id}/cancel", s.handleCampaignCancel)
	mux.HandleFunc("GET /campaigns/{id}/status", s.handleCampaignStatus)
	mux.HandleFunc("POST /campaigns/{id}/stats", s.handleCampaignStats)
	mux.HandleFunc("GET /campaigns/{id}/stream", s.handleCampaignStream)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Instance name prefixes. The host factory dispatches on these.
const (
	PrefixConversation = "conversation:"
	PrefixCustomer     = "customer:"
	PrefixRateLimit    = "ratelimit:"
	PrefixWorkflow     = "workflow:"
	PrefixCampaign     = "campaign:"
)

func (s *server) conversationInstance(id string) (*runtime.Instance, *conversation.Actor, error) {
	inst, err := s.host.Get(PrefixConversation + id)
	if err != nil {
		return nil, nil, err
	}
	actor, ok := inst.Actor().(*conversation.Actor)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s is not a conversation actor", inst.Name())
	}
	return inst, actor, nil
}

func (s *server) customerInstance(id string) (*runtime.Instance, *customer.Actor, error) {
	inst, err := s.host.Get(PrefixCustomer + id)
	if err != nil {
		return nil, nil, err
	}
	actor, ok := inst.Actor().(*customer.Actor)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s is not a customer actor", inst.Name())
	}
	return inst, actor, nil
}

func (s *server) rateLimitInstance(scope string) (*runtime.Instance, *ratelimit.Actor, error) {
	if scope == "" {
		scope = "global"
	}
	inst, err := s.host.Get(PrefixRateLimit + scope)
	if err != nil {
		return nil, nil, err
	}
	actor, ok := inst.Actor().(*ratelimit.Actor)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s is not a rate-limit actor", inst.Name())
	}
	return inst, actor, nil
}

func (s *server) workflowInstance(id string) (*runtime.Instance, *workflow.Actor, error) {
	inst, err := s.host.Get(PrefixWorkflow + id)
	if err != nil {
		return nil, nil, err
	}
	actor, ok := inst.Actor().(*workflow.Actor)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s is not a workflow actor", inst.Name())
	}
	return inst, actor, nil
}

func (s *server) campaignInstance(id string) (*runtime.Instance, *campaign.Actor, error) {
	inst, err := s.host.Get(PrefixCampaign + id)
	if err != nil {
		return nil, nil, err
	}
	actor, ok := inst.Actor().(*campaign.Actor)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s is not a campaign actor", inst.Name())
	}
	return inst, actor, nil
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 2<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing content")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrAlreadyInitialized),
		errors.Is(err, workflow.ErrAlreadyRunning),
		errors.Is(err, workflow.ErrNotWaiting),
		errors.Is(err, workflow.ErrTerminal),
		errors.Is(err, campaign.ErrInvalidState),
		errors.Is(err, campaign.ErrOutsideSchedule):
		status = http.StatusConflict
	case errors.Is(err, conversation.ErrNotInitialized),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, customer.ErrNotFound),
		errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, campaign.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runtime.ErrHostClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
