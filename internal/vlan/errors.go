package vlan

import "fmt"

// InvalidVlanIDError indicates a VLAN id that is not a usable 802.1Q tag.
type InvalidVlanIDError struct {
	VlanID int64
}

func (e *InvalidVlanIDError) Error() string {
	return fmt.Sprintf("invalid vlan id %d: must be in 1..%d", e.VlanID, MaxVlanID)
}

// AddressSpaceExhaustedError indicates a VLAN id beyond the /28 slots of the base network.
type AddressSpaceExhaustedError struct {
	VlanID int64
	Base   string
}

func (e *AddressSpaceExhaustedError) Error() string {
	return fmt.Sprintf("vlan id %d exceeds the %d subnets available in %s", e.VlanID, Capacity, e.Base)
}
