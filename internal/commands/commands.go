// Package commands implements the chat commands independent of any chat
// platform. A front end turns an incoming interaction into an Interaction,
// calls Handle, and delivers the Response.
package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/metrics"
	"github.com/taskpdf/taskpdf/internal/render"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const (
	CommandGenPDF = "genpdf"
	CommandConfig = "config"
	CommandPing   = "ping"
	CommandDocs   = "docs"

	OptionDocument   = "document"
	OptionURL        = "url"
	OptionPath       = "path"
	OptionPrivateKey = "private_key"
	OptionPattern    = "pattern"

	notImplemented = "not implemented :("
)

// Interaction is one command invocation. TenantID identifies the chat
// community and Channel the channel the command was issued in.
type Interaction struct {
	Command  string            `json:"command"`
	TenantID string            `json:"tenant_id"`
	Channel  string            `json:"channel,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

func (i Interaction) option(name string) string {
	return strings.TrimSpace(i.Options[name])
}

type Attachment struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type Response struct {
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Service is the subset of service.Service the commands need.
type Service interface {
	SetConfig(ctx context.Context, tenant string, repo pkgsync.TenantRepo) error
	GeneratePDF(ctx context.Context, tenant, document string) (*render.Artifact, error)
	Ping(ctx context.Context, tenant, channel string) (string, error)
	ListDocuments(ctx context.Context, tenant, pattern string) ([]string, error)
}

type handlerFunc func(ctx context.Context, in Interaction) (Response, error)

type Handler struct {
	svc      Service
	log      *logging.Logger
	commands map[string]handlerFunc
}

func New(svc Service) *Handler {
	h := &Handler{svc: svc, log: logging.NewNoOpLogger()}
	h.commands = map[string]handlerFunc{
		CommandGenPDF: h.genpdf,
		CommandConfig: h.config,
		CommandPing:   h.ping,
		CommandDocs:   h.docs,
	}
	return h
}

func (h *Handler) WithLogger(log *logging.Logger) *Handler {
	h.log = log
	return h
}

// Commands returns the names of the supported commands, sorted.
func (h *Handler) Commands() []string {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Handle runs the interaction's command. Failures are rendered into the
// response content; the caller never retries.
func (h *Handler) Handle(ctx context.Context, in Interaction) Response {
	start := time.Now()

	fn, ok := h.commands[in.Command]
	if !ok {
		metrics.CommandHandled("unknown", "ok", start)
		return Response{Content: notImplemented}
	}

	log := h.log.With("command", in.Command).With("tenant", in.TenantID)

	resp, err := fn(ctx, in)
	if err != nil {
		kind := pkgsync.KindOf(err)
		metrics.CommandHandled(in.Command, kind.String(), start)
		log.Warnf("command failed: %v", err)
		return Response{Content: "error: " + err.Error()}
	}

	metrics.CommandHandled(in.Command, "ok", start)
	log.Debugf("command handled in %v", time.Since(start))
	return resp
}

// genpdf renders the document named by the document option, or by the
// channel the command was issued in.
func (h *Handler) genpdf(ctx context.Context, in Interaction) (Response, error) {
	document := in.option(OptionDocument)
	if document == "" {
		document = in.Channel
	}
	if document == "" {
		return Response{}, errors.New("no document given and the command was not issued in a channel")
	}

	artifact, err := h.svc.GeneratePDF(ctx, in.TenantID, document)
	if err != nil {
		return Response{}, err
	}

	return Response{
		Content:    artifact.Name,
		Attachment: &Attachment{Name: artifact.Name, Data: artifact.Data},
	}, nil
}

func (h *Handler) config(ctx context.Context, in Interaction) (Response, error) {
	url := in.option(OptionURL)
	if url == "" {
		return Response{}, pkgsync.NewError(pkgsync.KindConfig, in.TenantID, "configure", errors.New("option url is required"))
	}

	repo := pkgsync.TenantRepo{
		RemoteURL:   url,
		ContentPath: in.option(OptionPath),
	}
	if key := in.Options[OptionPrivateKey]; strings.TrimSpace(key) != "" {
		repo.PrivateKey = []byte(key)
	}

	if err := h.svc.SetConfig(ctx, in.TenantID, repo); err != nil {
		return Response{}, err
	}

	content := fmt.Sprintf("configured %s", url)
	if repo.ContentPath != "" && repo.ContentPath != "." {
		content += " at " + repo.ContentPath
	}
	if repo.PrivateKey != nil {
		content += " with a private key"
	}
	return Response{Content: content}, nil
}

func (h *Handler) ping(ctx context.Context, in Interaction) (Response, error) {
	s, err := h.svc.Ping(ctx, in.TenantID, in.Channel)
	if err != nil {
		return Response{}, err
	}
	return Response{Content: s}, nil
}

func (h *Handler) docs(ctx context.Context, in Interaction) (Response, error) {
	names, err := h.svc.ListDocuments(ctx, in.TenantID, in.option(OptionPattern))
	if err != nil {
		return Response{}, err
	}
	if len(names) == 0 {
		return Response{Content: "no documents found"}, nil
	}
	return Response{Content: strings.Join(names, "\n")}, nil
}
