package placed

// RegionMapper is the OS memory-mapping capability the placed mapper builds
// on. Separating it out lets the placement logic be tested without touching
// any real address space.
//
// Reserve claims [base, base+size) from the OS as inaccessible address space
// so nothing else can land there; it returns the address actually reserved
// (the OS may decline the hint). Bind replaces part of a reservation with
// accessible memory at an exact address. Release returns a bound range to the
// reserved-but-inaccessible state. Unreserve drops an entire reservation.
type RegionMapper interface {
	Reserve(base uintptr, size int) (uintptr, error)
	Bind(address uintptr, size int) error
	Release(address uintptr, size int) error
	Unreserve(base uintptr, size int) error
}
