// Command tinyfs is a thin demo driver over the tinyfs package: format a
// volume, write a couple of files, read the first one back, rename it, list
// the directory, flip a file read-only, and unmount. It mirrors the sequence
// the original TinyFS demo runs.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tinyfs/tinyfs"
)

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	path := flag.String("disk", tinyfs.DefaultDiskName, "host file backing the volume")
	size := flag.Int64("size", tinyfs.DefaultVolumeSize, "volume size in bytes")
	flag.Parse()

	if err := unix.Access(*path, unix.W_OK); err == nil {
		log.Printf("warning: %s already exists and is about to be reformatted", *path)
	}

	fmt.Println("Creating and mounting the file system...")
	check(tinyfs.Format(*path, *size))
	vol, err := tinyfs.Mount(*path)
	check(err)
	defer vol.Unmount()

	iamfile := strings.Repeat("I am file. A very good file. ", 7)[:200]
	sillyfile := strings.Repeat("silly file time ", 63)[:1000]

	fmt.Println(`Opening or creating file "iamfile"...`)
	aFD, err := vol.OpenFile("iamfile")
	check(err)

	fmt.Println(`Writing to file "iamfile"...`)
	check(vol.WriteFile(aFD, []byte(iamfile), len(iamfile)))

	fmt.Println(`Reading from file "iamfile"...`)
	check(vol.Seek(aFD, 0))
	var out strings.Builder
	for {
		b, err := vol.ReadByte(aFD)
		if err != nil {
			break
		}
		out.WriteByte(b)
	}
	fmt.Println(out.String())

	fmt.Println(`Opening or creating file "sillyfile"...`)
	bFD, err := vol.OpenFile("sillyfile")
	check(err)

	fmt.Println(`Writing to file "sillyfile"...`)
	check(vol.WriteFile(bFD, []byte(sillyfile), len(sillyfile)))

	fmt.Println(`Renaming file "iamfile" to "bruhfile"...`)
	check(vol.Rename(aFD, "bruhfile"))

	fmt.Println("Listing files in the file system...")
	names, err := vol.ReadDir()
	check(err)
	for _, n := range names {
		fmt.Println(" -", n)
	}

	fmt.Println(`Making file "bruhfile" read-only...`)
	check(vol.MakeReadOnly("bruhfile"))

	fmt.Println(`Attempting to write to read-only file "bruhfile" (should fail)...`)
	if err := vol.WriteFile(aFD, []byte(iamfile), len(iamfile)); err == nil {
		fmt.Println("unexpectedly succeeded writing to a read-only file")
	} else {
		fmt.Println("correctly failed:", err)
	}

	if err := vol.CheckConsistency(); err != nil {
		log.Fatalf("consistency check failed: %v", err)
	}
	fmt.Println("TinyFS demo completed successfully!")
}
