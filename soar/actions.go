package soar

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

// hostnamePattern accepts RFC 1123 host labels, optionally dotted
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// BlockIPAction blocks an IP address at the firewall
type BlockIPAction struct {
	logger *zap.SugaredLogger
}

// NewBlockIPAction creates a new block IP action
func NewBlockIPAction(logger *zap.SugaredLogger) *BlockIPAction {
	return &BlockIPAction{logger: logger}
}

func (a *BlockIPAction) Type() core.SoarActionType { return core.SoarActionBlockIP }
func (a *BlockIPAction) Name() string              { return "Block IP Address" }
func (a *BlockIPAction) Destructive() bool         { return true }

func (a *BlockIPAction) ValidateTarget(target string) error {
	ip := net.ParseIP(strings.TrimSpace(target))
	if ip == nil {
		return fmt.Errorf("%w: %q is not an IP address", ErrInvalidTarget, target)
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return fmt.Errorf("%w: refusing to block %s", ErrInvalidTarget, target)
	}
	return nil
}

func (a *BlockIPAction) Execute(ctx context.Context, provider Provider, target string) (*ActionResult, error) {
	ip := strings.TrimSpace(target)
	result := newResult(a.Type(), provider.Name(), ip)

	out, err := provider.Call(ctx, a.Type(), ip)
	if err != nil {
		result.fail(err)
		return result, fmt.Errorf("failed to block %s via %s: %w", ip, provider.Name(), err)
	}
	for k, v := range out {
		result.Output[k] = v
	}
	result.Output["ip_address"] = ip
	result.complete(fmt.Sprintf("IP address %s blocked", ip))
	return result, nil
}

// IsolateHostAction isolates a host from the network through the EDR
type IsolateHostAction struct {
	logger *zap.SugaredLogger
}

// NewIsolateHostAction creates a new isolate host action
func NewIsolateHostAction(logger *zap.SugaredLogger) *IsolateHostAction {
	return &IsolateHostAction{logger: logger}
}

func (a *IsolateHostAction) Type() core.SoarActionType { return core.SoarActionIsolateHost }
func (a *IsolateHostAction) Name() string              { return "Isolate Host" }
func (a *IsolateHostAction) Destructive() bool         { return true }

func (a *IsolateHostAction) ValidateTarget(target string) error {
	host := strings.TrimSpace(target)
	if host == "" {
		return fmt.Errorf("%w: hostname must be a non-empty string", ErrInvalidTarget)
	}
	if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return fmt.Errorf("%w: %q is not a valid hostname", ErrInvalidTarget, target)
	}
	return nil
}

func (a *IsolateHostAction) Execute(ctx context.Context, provider Provider, target string) (*ActionResult, error) {
	host := strings.TrimSpace(target)
	result := newResult(a.Type(), provider.Name(), host)

	out, err := provider.Call(ctx, a.Type(), host)
	if err != nil {
		result.fail(err)
		return result, fmt.Errorf("failed to isolate %s via %s: %w", host, provider.Name(), err)
	}
	for k, v := range out {
		result.Output[k] = v
	}
	result.Output["hostname"] = host
	result.complete(fmt.Sprintf("Host %s isolated", host))
	return result, nil
}

// SimulatedProvider stands in for a vendor API. It logs the call and reports success.
type SimulatedProvider struct {
	name    string
	latency time.Duration
	logger  *zap.SugaredLogger
}

// NewSimulatedProvider creates a provider that only logs what it would do
func NewSimulatedProvider(name string, latency time.Duration, logger *zap.SugaredLogger) *SimulatedProvider {
	return &SimulatedProvider{name: name, latency: latency, logger: logger}
}

func (p *SimulatedProvider) Name() string { return p.name }

func (p *SimulatedProvider) Call(ctx context.Context, actionType core.SoarActionType, target string) (map[string]interface{}, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.logger.Warnw("SIMULATION: provider call not sent",
		"provider", p.name,
		"action_type", actionType,
		"target", target)
	return map[string]interface{}{
		"provider":  p.name,
		"simulated": true,
		"reference": fmt.Sprintf("%s-%d", strings.ToLower(string(actionType)), time.Now().UnixNano()),
	}, nil
}
