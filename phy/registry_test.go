package phy

import (
	"errors"
	"testing"
)

func TestRegistryDuplicate(t *testing.T) {
	c1, c2 := &Chip{}, &Chip{}

	if err := registerChip("registry-dup", c1); err != nil {
		t.Fatal("First register failed:", err)
	}
	defer unregisterChip("registry-dup", c1)

	err := registerChip("registry-dup", c2)
	if !errors.Is(err, ErrAlreadyAttached) {
		t.Error("Duplicate register did not return ErrAlreadyAttached:", err)
	}

	/* The second instance must not be able to evict the first */
	unregisterChip("registry-dup", c2)

	found := false
	for _, id := range AttachedDevices() {
		if id == "registry-dup" {
			found = true
		}
	}
	if !found {
		t.Error("Failed register evicted the existing instance")
	}
}

func TestRegistryLimit(t *testing.T) {
	SetAttachLimit(1)
	defer SetAttachLimit(0)

	c1, c2 := &Chip{}, &Chip{}

	if err := registerChip("registry-limit-1", c1); err != nil {
		t.Fatal("First register failed:", err)
	}

	err := registerChip("registry-limit-2", c2)
	if !errors.Is(err, ErrAllocationFailure) {
		t.Error("Register over the limit did not return ErrAllocationFailure:", err)
	}

	/* Releasing the slot makes the register succeed */
	unregisterChip("registry-limit-1", c1)

	if err := registerChip("registry-limit-2", c2); err != nil {
		t.Error("Register after release failed:", err)
	}
	unregisterChip("registry-limit-2", c2)
}

func TestDecodeDeviceID(t *testing.T) {
	rev, ok := decodeDeviceID(0x91)
	if !ok {
		t.Fatal("Valid device id rejected")
	}
	if rev.Version != 0x9 || rev.Product != 0 || rev.Revision != 1 {
		t.Error("Device id decoded incorrectly:", rev)
	}

	for _, id := range []byte{0x00, 0x12, 0x71, 0xB0, 0xFF} {
		if _, ok := decodeDeviceID(id); ok {
			t.Errorf("Invalid device id 0x%02x accepted", id)
		}
	}
}
