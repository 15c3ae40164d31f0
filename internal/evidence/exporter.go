package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"time"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/ledger"
	"github.com/agentgate/backend/internal/redact"
	"github.com/agentgate/backend/internal/trace"
)

// Format selects the artifact representation.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	// FormatPDF is the printable representation: a paginated plain-text
	// report suitable for print pipelines.
	FormatPDF Format = "pdf"
)

// Exporter renders evidence packs and archives them write-once.
type Exporter struct {
	store    *trace.Store
	signer   *Signer
	redactor *redact.Redactor
	logger   *log.Logger
}

// New creates an exporter. redactor applies the read-time redaction pass on
// top of whatever was redacted at write time; nil means mode off.
func New(store *trace.Store, signer *Signer, redactor *redact.Redactor) *Exporter {
	if redactor == nil {
		redactor = redact.New(redact.ModeOff, "")
	}
	return &Exporter{
		store:    store,
		signer:   signer,
		redactor: redactor,
		logger:   log.New(log.Writer(), "[EVIDENCE] ", log.LstdFlags),
	}
}

// pack is the structured content common to all three representations.
type pack struct {
	SessionID   string            `json:"session_id"`
	TenantID    string            `json:"tenant_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	EventCount  int               `json:"event_count"`
	MerkleRoot  string            `json:"merkle_root"`
	IntegrityOK bool              `json:"integrity_ok"`
	Events      []core.TraceEvent `json:"events"`
}

// Result is one export: the archived artifact plus its signature block.
type Result struct {
	Archive   *core.EvidenceArchive `json:"archive"`
	Signature *SignatureBlock       `json:"signature"`
}

// Export renders a session's evidence in the requested format, signs it and
// stores it in the write-once archive table. Exporting identical content
// twice returns the previously stored archive.
func (e *Exporter) Export(ctx context.Context, tenantID, sessionID string, format Format) (*Result, error) {
	switch format {
	case FormatJSON, FormatHTML, FormatPDF:
	default:
		return nil, core.E(core.KindValidation, fmt.Sprintf("unknown evidence format %q", format))
	}

	events, err := e.store.ListEvents(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, core.E(core.KindNotFound, "session has no trace events")
	}

	integrityOK := true
	for i := range events {
		if !events[i].VerifyIntegrity() {
			integrityOK = false
			break
		}
	}

	// Read-time redaction pass over payloads.
	for i := range events {
		events[i].Payload = e.redactor.Map(events[i].Payload)
	}

	p := &pack{
		SessionID:   sessionID,
		TenantID:    tenantID,
		GeneratedAt: time.Now().UTC(),
		EventCount:  len(events),
		MerkleRoot:  ledger.Build(events).Root(),
		IntegrityOK: integrityOK,
		Events:      events,
	}

	var payload []byte
	switch format {
	case FormatJSON:
		payload, err = json.MarshalIndent(p, "", "  ")
	case FormatHTML:
		payload, err = renderHTML(p)
	case FormatPDF:
		payload, err = renderPrintable(p)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "render evidence pack", err)
	}

	block, err := e.signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	archive, err := e.store.SaveArchive(ctx, &core.EvidenceArchive{
		SessionID:     sessionID,
		Format:        string(format),
		IntegrityHash: hex.EncodeToString(sum[:]),
		Payload:       payload,
		Metadata: map[string]interface{}{
			"redaction_mode": string(e.redactor.Mode()),
			"algorithm":      block.Algorithm,
			"key_source":     block.KeySource,
			"signature":      block.Signature,
			"merkle_root":    p.MerkleRoot,
			"event_count":    p.EventCount,
			"integrity_ok":   p.IntegrityOK,
		},
	})
	if err != nil {
		return nil, err
	}
	e.logger.Printf("📄 evidence exported: session=%s format=%s events=%d", sessionID, format, p.EventCount)
	return &Result{Archive: archive, Signature: block}, nil
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Evidence {{.SessionID}}</title></head>
<body>
<h1>Session Evidence Report</h1>
<p>Session: <code>{{.SessionID}}</code> Tenant: <code>{{.TenantID}}</code></p>
<p>Generated: {{.GeneratedAt}} | Events: {{.EventCount}} | Integrity: {{if .IntegrityOK}}verified{{else}}FAILED{{end}}</p>
<p>Merkle root: <code>{{.MerkleRoot}}</code></p>
<table border="1">
<tr><th>#</th><th>Time</th><th>Kind</th><th>Tool</th><th>Decision</th><th>Reason</th></tr>
{{range .Events}}<tr><td>{{.EventID}}</td><td>{{.Timestamp}}</td><td>{{.Kind}}</td><td>{{.ToolName}}</td><td>{{.Decision}}</td><td>{{.Reason}}</td></tr>
{{end}}</table>
</body></html>`))

func renderHTML(p *pack) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPrintable(p *pack) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "SESSION EVIDENCE REPORT\n")
	fmt.Fprintf(&buf, "=======================\n\n")
	fmt.Fprintf(&buf, "Session:     %s\n", p.SessionID)
	fmt.Fprintf(&buf, "Tenant:      %s\n", p.TenantID)
	fmt.Fprintf(&buf, "Generated:   %s\n", p.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Events:      %d\n", p.EventCount)
	fmt.Fprintf(&buf, "Merkle root: %s\n", p.MerkleRoot)
	if p.IntegrityOK {
		fmt.Fprintf(&buf, "Integrity:   verified\n\n")
	} else {
		fmt.Fprintf(&buf, "Integrity:   FAILED\n\n")
	}
	for i := range p.Events {
		ev := &p.Events[i]
		fmt.Fprintf(&buf, "--- Event %d (%s) ---\n", ev.EventID, ev.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&buf, "kind=%s", ev.Kind)
		if ev.ToolName != "" {
			fmt.Fprintf(&buf, " tool=%s", ev.ToolName)
		}
		if ev.Decision != "" {
			fmt.Fprintf(&buf, " decision=%s", ev.Decision)
		}
		fmt.Fprintf(&buf, "\n")
		if ev.Reason != "" {
			fmt.Fprintf(&buf, "reason: %s\n", ev.Reason)
		}
		fmt.Fprintf(&buf, "hash: %s\n\n", ev.IntegrityHash)
	}
	return buf.Bytes(), nil
}
