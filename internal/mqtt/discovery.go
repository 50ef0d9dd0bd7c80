package mqtt

import (
	"fmt"
	"sort"

	"github.com/trymwestin/blinkd/internal/core/state"
)

// discoveryMessage is one retained HA auto-discovery config.
type discoveryMessage struct {
	Topic   string
	Payload map[string]interface{}
}

// discoveryMessages builds the full set of discovery configs: the alarm panel
// first, then per-camera entities in name order. Unique IDs derive from the
// cleaned camera names, so repeated publishes update rather than duplicate
// entities. The ordering is stable for deterministic testing.
func discoveryMessages(discPrefix, topicPrefix, deviceID string, cameras []string) []discoveryMessage {
	dev := map[string]interface{}{
		"identifiers":  []string{deviceID},
		"name":         "Blink Hub",
		"manufacturer": "Blink",
	}
	avail := map[string]interface{}{
		"topic": topicPrefix + "/status",
	}

	msgs := []discoveryMessage{
		{
			Topic: fmt.Sprintf("%s/alarm_control_panel/%s/config", discPrefix, deviceID),
			Payload: map[string]interface{}{
				"name":              "Blink System",
				"unique_id":         deviceID + "_panel",
				"command_topic":     topicPrefix + "/command",
				"state_topic":       topicPrefix + "/state",
				"payload_disarm":    "DISARM",
				"payload_arm_away":  "ARM_AWAY",
				"code_arm_required": false,
				"device":            dev,
				"availability":      avail,
			},
		},
	}

	sorted := append([]string(nil), cameras...)
	sort.Strings(sorted)

	for _, name := range sorted {
		clean := state.CleanName(name)
		id := fmt.Sprintf("%s_%s", deviceID, clean)

		msgs = append(msgs,
			discoveryMessage{
				Topic: fmt.Sprintf("%s/sensor/%s_temp/config", discPrefix, id),
				Payload: map[string]interface{}{
					"name":                fmt.Sprintf("Blink %s Temperature", name),
					"unique_id":           id + "_temp",
					"state_topic":         fmt.Sprintf("%s/sensor/%s/temp", topicPrefix, clean),
					"unit_of_measurement": "°F",
					"device_class":        "temperature",
					"state_class":         "measurement",
					"device":              dev,
					"availability":        avail,
				},
			},
			discoveryMessage{
				Topic: fmt.Sprintf("%s/binary_sensor/%s_online/config", discPrefix, id),
				Payload: map[string]interface{}{
					"name":         fmt.Sprintf("Blink %s Connection", name),
					"unique_id":    id + "_online",
					"state_topic":  fmt.Sprintf("%s/camera/%s/online", topicPrefix, clean),
					"device_class": "connectivity",
					"payload_on":   "ON",
					"payload_off":  "OFF",
					"device":       dev,
					"availability": avail,
				},
			},
			discoveryMessage{
				Topic: fmt.Sprintf("%s/button/%s_snap/config", discPrefix, id),
				Payload: map[string]interface{}{
					"name":          fmt.Sprintf("Blink %s Snapshot", name),
					"unique_id":     id + "_snap",
					"command_topic": fmt.Sprintf("%s/camera/%s/snap", topicPrefix, clean),
					"payload_press": "PRESS",
					"device":        dev,
					"availability":  avail,
				},
			},
		)
	}

	return msgs
}
