//go:build !darwin && !linux

package storage

func fsType(string) (string, error) {
	return "", errFSTypeUnknown
}
