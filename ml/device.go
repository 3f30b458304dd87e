// device.go - device identity and per-device layer assignment
//
// Adapted from the teacher's device_layers.go GPULayers/GPULayersList, which
// assigned model layers to discovered GPUs. This module assigns decoder
// blocks to the fixed set of devices the sequence axis is chunked across
// during attention (spec.md §4.4), rather than discovering GPUs at runtime.
package ml

import (
	"fmt"
	"math"
	"slices"
)

// DeviceID identifies one device a model's weights and KV caches may live
// on. ID is an integer device index; String renders it as "device:N".
type DeviceID struct {
	ID int
}

func (d DeviceID) String() string {
	return fmt.Sprintf("device:%d", d.ID)
}

// DeviceLayers is the set of decoder block indices resident on a single
// device.
type DeviceLayers struct {
	DeviceID
	Layers []int
}

// FirstLayer returns the smallest layer index assigned to this device, or
// MaxInt when the device has no layers.
func (d DeviceLayers) FirstLayer() int {
	if len(d.Layers) == 0 {
		return math.MaxInt
	}
	first := d.Layers[0]
	for _, l := range d.Layers[1:] {
		if l < first {
			first = l
		}
	}
	return first
}

// DeviceMap is a model's full layer-to-device assignment, one DeviceLayers
// per device, ordered by device ID.
type DeviceMap []DeviceLayers

// NumDevices reports how many devices this map spans.
func (m DeviceMap) NumDevices() int { return len(m) }

// DeviceOf returns the device a given decoder block runs on. Panics if the
// layer was never assigned — every block must land on exactly one device.
func (m DeviceMap) DeviceOf(layer int) DeviceID {
	for _, d := range m {
		if slices.Contains(d.Layers, layer) {
			return d.DeviceID
		}
	}
	panic(fmt.Sprintf("ml: layer %d not assigned to any device", layer))
}

// EvenDeviceMap spreads numLayers decoder blocks evenly across numDevices
// devices in contiguous ranges, the common layout used when no explicit
// placement is requested.
func EvenDeviceMap(numLayers, numDevices int) DeviceMap {
	if numDevices < 1 {
		numDevices = 1
	}
	m := make(DeviceMap, numDevices)
	per := (numLayers + numDevices - 1) / numDevices
	layer := 0
	for i := 0; i < numDevices; i++ {
		m[i].DeviceID = DeviceID{ID: i}
		for j := 0; j < per && layer < numLayers; j++ {
			m[i].Layers = append(m[i].Layers, layer)
			layer++
		}
	}
	return m
}
