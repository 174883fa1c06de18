package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sigurn/crc8"

	"github.com/gen2brain/catpt"
)

var payloadCRC8 = crc8.MakeTable(crc8.CRC8)

func main() {
	var help bool
	flag.BoolVar(&help, "help", false, "Show this help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <firmware-image>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		fmt.Fprintln(os.Stderr, "  --help      Show this help message")
	}

	flag.Parse()

	if help || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}

	img, err := catpt.ParseImage(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid firmware image: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Filename:    %s\n", path)
	fmt.Print(img)

	// The CRC covers the block payloads in file order, to compare images module by module.
	var total int
	for _, m := range img.Modules {
		csum := crc8.Init(payloadCRC8)
		for _, b := range m.Blocks {
			csum = crc8.Update(csum, b.Data, payloadCRC8)
			total += int(b.Size)
		}
		fmt.Printf("CRC-8 %-17s %#02x\n", m.ModuleID, crc8.Complete(csum, payloadCRC8))
	}

	fmt.Printf("Payload:     %d bytes\n", total)
}
