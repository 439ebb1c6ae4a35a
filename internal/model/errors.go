package model

import "fmt"

func errInvalidMetaDataID(destName string) error {
	return fmt.Errorf("destination %q: metaDataId must be >= 1 (0 is reserved for the source)", destName)
}

func errDuplicateMetaDataID(id int) error {
	return fmt.Errorf("duplicate destination metaDataId %d", id)
}
