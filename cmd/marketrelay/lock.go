package cli

import (
	"fmt"
	"os"
)

func writePID(f *os.File) {
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Sync()
}
