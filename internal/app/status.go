package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"quota-watch/internal/descriptor"
	"quota-watch/internal/version"
)

// ErrNotRunning is returned by Status when no live instance is advertised.
var ErrNotRunning = errors.New("quotawatch is not running")

// StatusReport is what Status learned about the advertised instance.
type StatusReport struct {
	Descriptor    descriptor.Descriptor
	Alive         bool
	Reachable     bool
	ServerVersion string
	Negotiation   version.Negotiation
}

// Status locates the running instance via its descriptor, checks the pid and
// performs the health handshake.
func (a *App) Status(ctx context.Context) (StatusReport, error) {
	path := a.descriptorPath()
	desc, err := descriptor.Read(path)
	if errors.Is(err, descriptor.ErrNotFound) {
		return StatusReport{}, fmt.Errorf("%w: no descriptor at %s", ErrNotRunning, path)
	}
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{Descriptor: desc, Alive: desc.Alive()}
	if !report.Alive {
		return report, fmt.Errorf("%w: pid %d from %s is gone", ErrNotRunning, desc.PID, path)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.BaseURL()+"/health", http.NoBody)
	if err != nil {
		return report, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return report, fmt.Errorf("health check %s: %w", desc.BaseURL(), err)
	}
	defer resp.Body.Close()

	var health struct {
		Version         string `json:"version"`
		ContractVersion string `json:"contract_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return report, fmt.Errorf("decode health response: %w", err)
	}
	report.Reachable = resp.StatusCode == http.StatusOK
	report.ServerVersion = health.Version
	report.Negotiation = version.Negotiate(version.CurrentContract(), health.ContractVersion)
	return report, nil
}

// PrintStatus renders a StatusReport.
func PrintStatus(r StatusReport) {
	d := r.Descriptor
	fmt.Fprintf(os.Stdout, "pid:        %d (alive: %t)\n", d.PID, r.Alive)
	fmt.Fprintf(os.Stdout, "address:    %s (reachable: %t)\n", d.BaseURL(), r.Reachable)
	fmt.Fprintf(os.Stdout, "started:    %s\n", d.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "debug:      %t\n", d.Debug)
	fmt.Fprintf(os.Stdout, "version:    %s\n", r.ServerVersion)
	fmt.Fprintf(os.Stdout, "contract:   server %s, client %s, compatible %t\n",
		r.Negotiation.Server, r.Negotiation.Client, r.Negotiation.Compatible)
	if r.Negotiation.Reason != "" {
		fmt.Fprintf(os.Stdout, "            %s\n", r.Negotiation.Reason)
	}
	if len(d.RecentErrors) > 0 {
		fmt.Fprintln(os.Stdout, "recent errors:")
		for _, e := range d.RecentErrors {
			fmt.Fprintf(os.Stdout, "  - %s\n", sanitizeInline(e))
		}
	}
}
