// Package resourcevalidator implements the external "resource validator"
// port: given (resourceType, uuid), answer whether the
// resource exists and whether it is open for collaboration. This is the
// leaf boundary to the domain service that owns resource data; the gateway
// never reaches past types.ResourceValidator to a concrete implementation.
package resourcevalidator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// uuidPattern matches the canonical 8-4-4-4-12 hex form.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidUUID reports whether uuid matches the canonical hex-with-dashes
// form required before the validator port is even consulted.
func IsValidUUID(uuid string) bool {
	return uuidPattern.MatchString(uuid)
}

// openStatuses are the Resource.Status values treated as open for
// collaboration; anything else is "closed".
var openStatuses = map[string]bool{
	"open":   true,
	"active": true,
}

// HTTPValidator consults an external domain service over HTTP for resource
// existence and status. This is the production implementation; no library
// in the retrieval pack offers a generic authenticated REST client (the
// pack's HTTP usage is all server-side, via gin), so this leaf uses the
// standard library's http.Client directly — see DESIGN.md.
type HTTPValidator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPValidator builds an HTTPValidator that queries
// "{baseURL}/{resourceType}/{uuid}" for resource metadata.
func NewHTTPValidator(baseURL string) *HTTPValidator {
	return &HTTPValidator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type resourceDTO struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

// FindOne implements types.ResourceValidator.
func (v *HTTPValidator) FindOne(ctx context.Context, resourceType, uuid string) (*types.Resource, error) {
	url := fmt.Sprintf("%s/%s/%s", v.baseURL, resourceType, uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.ErrResourceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource validator returned status %d", resp.StatusCode)
	}

	var dto resourceDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decoding resource validator response: %w", err)
	}

	return &types.Resource{ResourceType: resourceType, UUID: dto.UUID, Status: dto.Status}, nil
}

// IsResourceOpen implements types.ResourceValidator.
func (v *HTTPValidator) IsResourceOpen(resource *types.Resource) bool {
	return openStatuses[resource.Status]
}
