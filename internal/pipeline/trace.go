package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tracer returns a prompt/response recorder when debug prompts are enabled,
// otherwise nil. Files are named <HHMMSS>_<name>.md under the debug dir.
func (inst *Instance) tracer(now time.Time) func(name, prompt, response string) {
	if !inst.Config.Pipeline.DebugPrompts {
		return nil
	}
	dir := inst.Config.DebugDir()
	log := inst.logger().Named("trace")
	stamp := now.Format("150405")
	var mu sync.Mutex
	seen := map[string]int{}
	return func(name, prompt, response string) {
		mu.Lock()
		seen[name]++
		n := seen[name]
		mu.Unlock()

		file := fmt.Sprintf("%s_%s.md", stamp, sanitizeName(name))
		if n > 1 {
			file = fmt.Sprintf("%s_%s_%d.md", stamp, sanitizeName(name), n)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn("create debug dir", zap.Error(err))
			return
		}
		body := "# Prompt\n\n" + prompt + "\n\n# Response\n\n" + response + "\n"
		if err := os.WriteFile(filepath.Join(dir, file), []byte(body), 0644); err != nil {
			log.Warn("write trace", zap.String("file", file), zap.Error(err))
		}
	}
}

func sanitizeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			b[i] = '_'
		}
	}
	return string(b)
}
