package ipenrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowwatch/flowwatch/internal/ports"
)

// rdapBootstrapURL is the registry lookup endpoint; no ecosystem RDAP
// client is wired (see the grounding ledger), so requests are built
// and parsed directly over net/http.
const rdapBootstrapURL = "https://rdap.org/ip/%s"

type rdapResponse struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

// RDAPClient looks up the owning range and organization name for a
// public IP via an RDAP registry.
type RDAPClient struct {
	httpClient *http.Client
}

// NewRDAPClient builds a client with the given HTTP transport. Pass
// nil to use a plain http.Client with a 10-second timeout.
func NewRDAPClient(httpClient *http.Client) *RDAPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RDAPClient{httpClient: httpClient}
}

func (c *RDAPClient) LookupRange(ctx context.Context, ip string) (string, string, error) {
	url := fmt.Sprintf(rdapBootstrapURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("rdap: unexpected status %d", resp.StatusCode)
	}

	var parsed rdapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", err
	}
	if parsed.Handle == "" {
		return "", "", fmt.Errorf("rdap: no handle in response")
	}
	return parsed.Handle, parsed.Name, nil
}

var _ ports.RangeLookup = (*RDAPClient)(nil)
