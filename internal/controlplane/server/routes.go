package server

import (
	"net/http"

	"github.com/marlinsec/playbookd/internal/controlplane/approvals"
	"github.com/marlinsec/playbookd/internal/controlplane/auth"
	"github.com/marlinsec/playbookd/internal/controlplane/connectors"
	"github.com/marlinsec/playbookd/internal/controlplane/executions"
	"github.com/marlinsec/playbookd/internal/controlplane/playbooks"
	"github.com/marlinsec/playbookd/internal/controlplane/sla"
	"github.com/marlinsec/playbookd/internal/controlplane/webhooks"
)

// routes builds the full API surface. Write endpoints carry permission
// guards; the guards are no-ops until the auth middleware is enabled.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Webhook ingress. Authenticated by HMAC signature, not API key.
	mux.HandleFunc("POST /webhook/{webhook_id}", s.ingress.HandleDelivery)

	playbookH := playbooks.NewHandler(s.playbookStore, s.auditor, s.logger)
	mux.HandleFunc("POST /api/v1/playbooks", auth.Require(auth.PermPlaybookWrite, playbookH.HandleCreate))
	mux.HandleFunc("GET /api/v1/playbooks", playbookH.HandleList)
	mux.HandleFunc("GET /api/v1/playbooks/{id}", playbookH.HandleGet)
	mux.HandleFunc("PUT /api/v1/playbooks/{id}", auth.Require(auth.PermPlaybookWrite, playbookH.HandleUpdate))
	mux.HandleFunc("PATCH /api/v1/playbooks/{id}", auth.Require(auth.PermPlaybookWrite, playbookH.HandleToggle))
	mux.HandleFunc("GET /api/v1/playbooks/{id}/versions", playbookH.HandleVersions)

	webhookH := webhooks.NewHandler(s.webhookStore, s.auditor, s.logger)
	webhookH.PlaybookExists = func(playbookID string) bool {
		_, err := s.playbookStore.Latest(playbookID)
		return err == nil
	}
	mux.HandleFunc("POST /api/v1/webhooks", auth.Require(auth.PermWebhookManage, webhookH.HandleCreate))
	mux.HandleFunc("GET /api/v1/webhooks", webhookH.HandleList)
	mux.HandleFunc("GET /api/v1/webhooks/{id}", webhookH.HandleGet)
	mux.HandleFunc("PATCH /api/v1/webhooks/{id}", auth.Require(auth.PermWebhookManage, webhookH.HandleUpdate))
	mux.HandleFunc("PUT /api/v1/webhooks/{id}/trigger", auth.Require(auth.PermWebhookManage, webhookH.HandleSetTrigger))
	mux.HandleFunc("POST /api/v1/webhooks/{id}/rotate-secret", auth.Require(auth.PermWebhookManage, webhookH.HandleRotateSecret))

	executionH := executions.NewHandler(s.executionStore, s.engine, s.logger)
	mux.HandleFunc("GET /api/v1/executions", executionH.HandleList)
	mux.HandleFunc("GET /api/v1/executions/{execution_id}", executionH.HandleGet)
	mux.HandleFunc("POST /api/v1/executions", auth.Require(auth.PermExecutionRun, executionH.HandleCreate))
	mux.HandleFunc("PATCH /api/v1/executions/{execution_id}/cancel", auth.Require(auth.PermExecutionCancel, executionH.HandleCancel))

	approvalH := approvals.NewHandler(s.approvalStore, s.engine, s.metrics, s.auditor, s.bus, s.logger)
	mux.HandleFunc("GET /api/v1/approvals", approvalH.HandleList)
	mux.HandleFunc("GET /api/v1/approvals/{id}", approvalH.HandleGet)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", auth.Require(auth.PermApprovalDecide, approvalH.HandleApprove))
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", auth.Require(auth.PermApprovalDecide, approvalH.HandleReject))

	connectorH := connectors.NewHandler(s.connectorStore, s.registry, s.invoker, s.auditor, s.logger)
	mux.HandleFunc("POST /api/v1/connectors", auth.Require(auth.PermConnectorManage, connectorH.HandleCreate))
	mux.HandleFunc("GET /api/v1/connectors", connectorH.HandleList)
	mux.HandleFunc("GET /api/v1/connectors/{id}", connectorH.HandleGet)
	mux.HandleFunc("PUT /api/v1/connectors/{id}", auth.Require(auth.PermConnectorManage, connectorH.HandleUpdate))
	mux.HandleFunc("DELETE /api/v1/connectors/{id}", auth.Require(auth.PermConnectorManage, connectorH.HandleDelete))
	mux.HandleFunc("POST /api/v1/connectors/{id}/test", auth.Require(auth.PermConnectorManage, connectorH.HandleTest))

	slaH := sla.NewHandler(s.slaStore, s.logger)
	mux.HandleFunc("POST /api/v1/sla/policies", auth.Require(auth.PermSLAManage, slaH.HandleCreate))
	mux.HandleFunc("GET /api/v1/sla/policies", slaH.HandleList)
	mux.HandleFunc("GET /api/v1/sla/policies/{policy_id}", slaH.HandleGet)
	mux.HandleFunc("PATCH /api/v1/sla/policies/{policy_id}", auth.Require(auth.PermSLAManage, slaH.HandleToggle))

	authH := auth.NewHandler(s.keyStore, s.auditor, s.logger)
	mux.HandleFunc("POST /api/v1/auth/keys", authH.HandleCreate)
	mux.HandleFunc("GET /api/v1/auth/keys", authH.HandleList)
	mux.HandleFunc("DELETE /api/v1/auth/keys/{key_id}", authH.HandleRevoke)

	mux.HandleFunc("GET /api/v1/audit", auth.Require(auth.PermAuditRead, s.handleAuditQuery))
	mux.HandleFunc("GET /api/v1/audit/export", auth.Require(auth.PermAuditRead, s.handleAuditExport))

	mux.HandleFunc("GET /api/v1/events", s.handleEventsSSE)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// handleHealth runs the rolling health check on demand and reports the
// live backlog alongside any firing alerts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	alerts := s.monitor.Check()
	backlog := 0
	if s.monitor.Backlog != nil {
		backlog = s.monitor.Backlog()
	}
	stale := 0
	if s.monitor.StaleApprovals != nil {
		stale = s.monitor.StaleApprovals()
	}

	status := "ok"
	if len(alerts) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"alerts":          alerts,
		"backlog":         backlog,
		"stale_approvals": stale,
		"version":         Version,
	})
}
