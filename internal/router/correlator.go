package router

import (
	"strings"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/events"
	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// handleResult implements the Response Correlator. It matches a
// manageResult/controlResult message back to an outstanding command
// by command_id, drops a result whose command belongs to a reader other
// than the topic's serial, marks the reader as connected (it was clearly
// online to reply), and transitions the command to its terminal
// status. Already-terminal commands are left alone — CompleteCommand's
// status guard makes that atomic and silent.
func (r *Router) handleResult(serial string, msg map[string]any) {
	r.setConnected(serial, true)

	commandID := stringField(msg, "command_id")
	if commandID == "" {
		r.drop(serial+"/result", "missing_command_id")
		return
	}

	cmd, err := r.store.GetCommand(commandID)
	if err != nil {
		r.drop(serial+"/result", "unknown_command_id")
		return
	}
	if cmd.ReaderSerial != serial {
		r.drop(serial+"/result", "reader_mismatch")
		return
	}

	response := stringField(msg, "response")
	message := stringField(msg, "message")

	status := store.StatusFailed
	if response == "success" {
		status = store.StatusCompleted
	}

	var parts []string
	if response != "" {
		parts = append(parts, response)
	}
	if message != "" {
		parts = append(parts, message)
	}
	responseText := strings.Join(parts, " ")
	if responseText == "" {
		responseText = "No response message"
	}

	if err := r.store.CompleteCommand(commandID, status, responseText); err != nil {
		if err == store.ErrAlreadyTerminal {
			r.logger.Debug("late command result ignored, already terminal", "command_id", commandID)
			return
		}
		r.logger.Error("complete command failed", "command_id", commandID, "error", err)
		return
	}

	kind := events.KindCommandCompleted
	if status == store.StatusFailed {
		kind = events.KindCommandFailed
	}
	metrics.CommandsResolvedTotal.WithLabelValues(string(status)).Inc()
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceRouter,
			Kind:      kind,
			Data:      map[string]any{"command_id": commandID, "reader_serial": serial},
		})
	}
}
