package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "tc6analyze - Decode Saleae binary digital captures of TC6 MACPHY SPI transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS data.")
	mosi := flag.String("f-mosi", "digital_1.bin", "Input filename: SPI MOSI (host to MACPHY) data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI CLK data.")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI MISO (MACPHY to host) data.")
	output := flag.String("o", "", "Output filename. Standard output if empty.")
	chunkSize := flag.Int("chunk", 64, "Chunk payload size configured in CONFIG0.")
	omitIdle := flag.Bool("omit-idle", false, "Omit data chunks carrying no data in either direction.")
	frames := flag.Bool("frames", false, "Print a breakdown of every reassembled frame.")
	flag.Parse()
	switch *chunkSize {
	case 8, 16, 32, 64:
	default:
		log.Fatal("invalid chunk size ", *chunkSize)
	}
	an := Analyzer{
		ChunkSize: *chunkSize,
		OmitIdle:  *omitIdle,
		Frames:    *frames,
	}
	start := time.Now()
	if err := run(&an, *mosi, *miso, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func run(an *Analyzer, fmosi, fmiso, fenable, fclk, output string) error {
	txs, err := processSpiFiles(fmosi, fmiso, fclk, fenable)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if output != "" {
		fp, err := os.Create(output)
		if err != nil {
			return err
		}
		defer fp.Close()
		w = fp
	}
	bw := bufio.NewWriter(w)
	for _, tx := range txs {
		err = an.Process(bw, tx)
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

func processSpiFiles(fmosi, fmiso, fclk, fenable string) ([]spiTx, error) {
	mosi, err := opendigital(fmosi)
	if err != nil {
		return nil, err
	}
	miso, err := opendigital(fmiso)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	// The analyzer decodes a single data line, scan once per direction.
	spi := analyzers.SPI{}
	out, _ := spi.Scan(clk, enable, mosi, mosi)
	in, _ := spi.Scan(clk, enable, miso, miso)
	if len(out) != len(in) {
		log.Println("transaction count mismatch between MOSI and MISO:", len(out), len(in))
	}
	n := min(len(out), len(in))
	txs := make([]spiTx, n)
	for i := range txs {
		txs[i] = spiTx{
			Start: out[i].StartTime(),
			MOSI:  out[i].SDO,
			MISO:  in[i].SDO,
		}
	}
	return txs, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}
