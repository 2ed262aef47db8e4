// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mbeema/fcastd/pkg/player"
	"go.uber.org/zap"
)

type speedKeyResponse struct {
	Key   string  `json:"key"`
	Speed float64 `json:"speed"`
}

// handleSpeedKey presses a remote control colour key. The new speed is
// pushed to every sender, the same as a SetSpeed from one of them.
func (a *Agent) handleSpeedKey(w http.ResponseWriter, r *http.Request) {
	key := player.SpeedKey(r.PathValue("key"))
	speed, err := a.player.PressSpeedKey(key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, player.ErrUnknownKey) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	a.logger.Debug("speed key pressed", zap.String("key", string(key)), zap.Float64("speed", speed))
	a.broadcastPlayback()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(speedKeyResponse{Key: string(key), Speed: speed})
}
