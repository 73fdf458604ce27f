package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// AppDataStore persists app-data documents.
type AppDataStore interface {
	Insert(ctx context.Context, doc *domain.AppDataDocument) error
	ByHash(ctx context.Context, hash common.Hash) (*domain.AppDataDocument, error)
}

// AppDataHandler serves app-data registration and lookup.
type AppDataHandler struct {
	store  AppDataStore
	logger *slog.Logger

	now func() time.Time
}

// NewAppDataHandler creates an AppDataHandler.
func NewAppDataHandler(store AppDataStore, logger *slog.Logger) *AppDataHandler {
	return &AppDataHandler{store: store, logger: logger, now: time.Now}
}

// registerBody is the registration payload. The document is stored
// byte-exact; its keccak256 hash is what orders reference in appData.
// ExpectedHash, when given, must match the computed hash.
type registerBody struct {
	Document     json.RawMessage `json:"document"`
	ExpectedHash *common.Hash    `json:"expectedHash,omitempty"`
}

// documentMeta is the subset of the document the store indexes.
type documentMeta struct {
	AppCode  string `json:"appCode"`
	Metadata struct {
		Referrer struct {
			Address string `json:"address"`
		} `json:"referrer"`
	} `json:"metadata"`
}

// Register stores an app-data document under its hash.
// POST /api/v1/app_data
func (h *AppDataHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", err.Error())
		return
	}
	if len(body.Document) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "document is required")
		return
	}

	hash := common.BytesToHash(ethcrypto.Keccak256(body.Document))
	if body.ExpectedHash != nil && *body.ExpectedHash != hash {
		writeError(w, http.StatusBadRequest, string(domain.KindAppDataHashMismatch),
			"document hashes to "+hash.Hex())
		return
	}

	doc := &domain.AppDataDocument{
		Hash:      hash,
		Document:  body.Document,
		CreatedAt: h.now().UTC(),
	}

	var meta documentMeta
	if err := json.Unmarshal(body.Document, &meta); err == nil {
		doc.AppCode = meta.AppCode
		if common.IsHexAddress(meta.Metadata.Referrer.Address) {
			referrer := common.HexToAddress(meta.Metadata.Referrer.Address)
			doc.Referrer = &referrer
		}
	}

	if err := h.store.Insert(r.Context(), doc); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]common.Hash{"hash": hash})
}

// ByHash returns a stored document.
// GET /api/v1/app_data/{hash}
func (h *AppDataHandler) ByHash(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("hash")
	if len(raw) != 66 || raw[:2] != "0x" {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "hash must be 32 bytes of 0x-hex")
		return
	}

	doc, err := h.store.ByHash(r.Context(), common.HexToHash(raw))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	// The stored blob is JSON already; echo it verbatim instead of
	// letting encoding/json base64 the byte slice.
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":      doc.Hash,
		"appCode":   doc.AppCode,
		"referrer":  doc.Referrer,
		"document":  json.RawMessage(doc.Document),
		"createdAt": doc.CreatedAt,
	})
}
