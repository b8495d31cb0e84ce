// Package rpchandler implements RpcHandler: it subscribes to the broker's
// "rpc" topic, decodes the embedded command payload classified out of agent
// stdout by agentlink.ClassifyStdoutTags, and writes the result to the
// durable store. Grounded directly on the original Rust source's
// mgmt-server/rpc.rs, which does exactly this for the single "stream"
// command currently emitted by the agent; the metric-name and tick-range
// validation mirrors mgmt-server/metrics.rs's DataPoint::new.
package rpchandler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// maxMetricNameLength and the disallowed-character check mirror the
// original source's DataPoint::validate_metric_name.
const maxMetricNameLength = 44

// maxTick is the original source's MAX_TICK: the largest value whose decimal
// representation fits MAX_TICK_STRING_LENGTH (12) digits. DataPoint::new
// rejects anything larger before it is ever written; a batch timestamp
// outside 0..=maxTick is equally nonsensical here and is logged and skipped
// rather than risking a bogus MetricPoint.
const maxTick int64 = 999999999999

// Handler consumes rpc-tagged events from the broker and persists decoded
// metric batches via MetricRepository.
type Handler struct {
	broker  *eventbroker.Broker
	metrics repositories.MetricRepository
	agents  repositories.AgentRepository
	logger  *zap.Logger
}

func New(broker *eventbroker.Broker, metrics repositories.MetricRepository, agents repositories.AgentRepository, logger *zap.Logger) *Handler {
	return &Handler{broker: broker, metrics: metrics, agents: agents, logger: logger.Named("rpchandler")}
}

// Run subscribes to the "rpc" topic and processes events until ctx is
// cancelled. Every rpc-tagged event is accepted -- the topic's tag value
// (set by ClassifyStdoutTags) is itself the already-stripped command
// string, consumed directly rather than re-parsed from the raw stdout line.
func (h *Handler) Run(ctx context.Context) {
	sub := h.broker.Subscribe("rpc", func(string) bool { return true })
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			tagValue := event.Tags["rpc"]
			address := event.Tags["agent"]
			if err := h.handle(ctx, address, tagValue); err != nil {
				h.logger.Warn("rpc command failed", zap.String("agent", address), zap.Error(err))
			}
		}
	}
}

// handle implements the same command/args split as the original source's
// RpcHandler::handle: split on the first space, dispatch on the command
// name. "stream" is the only command the agent currently emits.
func (h *Handler) handle(ctx context.Context, agentAddress, command string) error {
	name, args, ok := strings.Cut(command, " ")
	if !ok {
		return fmt.Errorf("rpchandler: unable to extract rpc command from %q", command)
	}

	switch name {
	case "stream":
		return h.handleStream(ctx, agentAddress, args)
	default:
		return fmt.Errorf("rpchandler: invalid rpc command %q", name)
	}
}

// streamBatch is what the agent streams every sample interval.
type streamBatch struct {
	Timestamp int64              `json:"timestamp"`
	Data      map[string]float64 `json:"data"`
}

// handleStream decodes a metric batch and writes one MetricPoint per
// (name, value) pair. Invalid names are logged and skipped; the rest of the
// batch is still written, matching the original source's per-datapoint
// error handling.
func (h *Handler) handleStream(ctx context.Context, agentAddress, args string) error {
	var batch streamBatch
	if err := json.Unmarshal([]byte(args), &batch); err != nil {
		return fmt.Errorf("rpchandler: decode stream batch: %w", err)
	}

	agent, err := h.agents.GetByAddress(ctx, agentAddress)
	if err != nil {
		return fmt.Errorf("rpchandler: resolve agent %q: %w", agentAddress, err)
	}

	if err := validateTick(batch.Timestamp); err != nil {
		h.logger.Warn("skipping stream batch with out-of-range timestamp", zap.String("agent", agentAddress), zap.Int64("timestamp", batch.Timestamp), zap.Error(err))
		return nil
	}

	sampleTime := time.Unix(batch.Timestamp, 0).UTC()

	points := make([]db.MetricPoint, 0, len(batch.Data))
	for name, value := range batch.Data {
		if err := validateMetricName(name); err != nil {
			h.logger.Warn("skipping invalid metric datapoint", zap.String("name", name), zap.Error(err))
			continue
		}
		points = append(points, db.MetricPoint{
			AgentID:   agent.ID,
			Name:      name,
			Value:     value,
			Timestamp: sampleTime,
		})
	}

	if err := h.metrics.BulkCreate(ctx, points); err != nil {
		return fmt.Errorf("rpchandler: write metric batch: %w", err)
	}
	return nil
}

func validateTick(timestamp int64) error {
	if timestamp < 0 || timestamp > maxTick {
		return fmt.Errorf("timestamp %d outside supported range 0..%d", timestamp, maxTick)
	}
	return nil
}

func validateMetricName(name string) error {
	if strings.Contains(name, "#") {
		return fmt.Errorf("metric name %q contains disallowed character '#'", name)
	}
	if len(name) > maxMetricNameLength {
		return fmt.Errorf("metric name %q longer than maximum length of %d bytes", name, maxMetricNameLength)
	}
	return nil
}
