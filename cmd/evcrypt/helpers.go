package main

import "os"

func openInfoFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fatalf("open info file %s: %v", path, err)
	}
	return f, nil
}
