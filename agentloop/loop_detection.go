package agentloop

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/martinemde/tau/unifiedllm"
)

const maxLoopPeriod = 3

// DetectLoop reports whether the newest window tool calls cycle with a
// period of 1 to 3 calls that divides window and is shorter than it. Two calls are the same when name and arguments
// match byte for byte.
func DetectLoop(msgs []Message, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := lastCallSignatures(msgs, window)
	if len(sigs) < window {
		return false
	}
	for period := 1; period <= maxLoopPeriod && period < window; period++ {
		if window%period == 0 && cycles(sigs, period) {
			return true
		}
	}
	return false
}

func cycles(sigs []string, period int) bool {
	for i := period; i < len(sigs); i++ {
		if sigs[i] != sigs[i-period] {
			return false
		}
	}
	return true
}

// lastCallSignatures returns the newest n tool call signatures, oldest first.
func lastCallSignatures(msgs []Message, n int) []string {
	sigs := make([]string, n)
	k := n
	for i := len(msgs) - 1; i >= 0 && k > 0; i-- {
		if msgs[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := msgs[i].ToolCalls
		for j := len(calls) - 1; j >= 0 && k > 0; j-- {
			sum := sha256.Sum256(calls[j].Arguments)
			k--
			sigs[k] = calls[j].Name + ":" + hex.EncodeToString(sum[:8])
		}
	}
	return sigs[k:]
}
