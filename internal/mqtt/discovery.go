//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"cellnode/internal/node"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/cellnode_node-1/ota_phase/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// entity is one discovered HA entity.
type entity struct {
	component   string // sensor, binary_sensor, button
	objectID    string
	name        string
	stateTopic  string
	valueTmpl   string
	deviceClass string
	unit        string
	category    string
	press       string // button payload
}

// buildDiscovery generates HA discovery messages for the node.
func buildDiscovery(t topics, discoveryPrefix string, st node.Status) []discoveryMsg {
	nodeID := "cellnode_" + st.Node
	dev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "cellnode",
		Model:        st.Modem.Model,
		Name:         st.Node,
		SWVersion:    st.Firmware.Version,
	}

	entities := []entity{
		{component: "sensor", objectID: "ota_phase", name: "Update phase",
			stateTopic: t.ota, valueTmpl: "{{ value_json.phase }}"},
		{component: "sensor", objectID: "ota_reason", name: "Update failure reason",
			stateTopic: t.ota, valueTmpl: "{{ value_json.reason | default('') }}", category: "diagnostic"},
		{component: "sensor", objectID: "ota_offset", name: "Update bytes staged",
			stateTopic: t.ota, valueTmpl: "{{ value_json.offset }}", deviceClass: "data_size", unit: "B", category: "diagnostic"},
		{component: "sensor", objectID: "firmware_version", name: "Firmware version",
			stateTopic: t.status, valueTmpl: "{{ value_json.firmware.version }}", category: "diagnostic"},
		{component: "binary_sensor", objectID: "network_registered", name: "Network registered",
			stateTopic: t.network, valueTmpl: "{{ 'ON' if value_json.registered else 'OFF' }}", deviceClass: "connectivity"},
		{component: "sensor", objectID: "cell_id", name: "Cell ID",
			stateTopic: t.network, valueTmpl: "{{ value_json.cell_id | default('') }}", category: "diagnostic"},
		{component: "button", objectID: "check_update", name: "Check for update", press: node.ActionCheck},
		{component: "button", objectID: "install_update", name: "Install update", press: node.ActionUpdate},
		{component: "button", objectID: "sync_time", name: "Sync time", press: node.ActionSyncTime, category: "config"},
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		payload := haDiscovery{
			Name:              e.name,
			UniqueID:          nodeID + "_" + e.objectID,
			StateTopic:        e.stateTopic,
			AvailabilityTopic: t.availability,
			ValueTemplate:     e.valueTmpl,
			UnitOfMeasurement: e.unit,
			DeviceClass:       e.deviceClass,
			EntityCategory:    e.category,
			Device:            dev,
		}
		switch e.component {
		case "binary_sensor":
			payload.PayloadOn, payload.PayloadOff = "ON", "OFF"
		case "button":
			payload.CommandTopic = t.cmd
			payload.PayloadPress = e.press
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, e.component, nodeID, e.objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}
