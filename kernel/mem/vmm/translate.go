package vmm

import "kestrel/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address, or ErrInvalidMapping if the address is not currently
// mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}
