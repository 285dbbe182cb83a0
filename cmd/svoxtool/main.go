package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gekko3d/sparsevox"
)

func main() {
	inPath := flag.String("in", "", "Checkpoint bundle to inspect or convert")
	outPath := flag.String("out", "", "Optional output path to re-save the bundle")
	quantize := flag.Bool("quantize", false, "Quantize parameter arrays when re-saving")
	help := flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *help || *inPath == "" {
		fmt.Println("Sparse voxel checkpoint tool")
		fmt.Println("Usage: svoxtool -in <bundle> [-out <bundle> [-quantize]]")
		fmt.Println()
		flag.PrintDefaults()
		if *inPath == "" && !*help {
			os.Exit(1)
		}
		return
	}

	model, iteration, err := sparsevox.LoadModel(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *inPath, err)
		os.Exit(1)
	}

	inside := 0
	for _, in := range model.InsideMask() {
		if in {
			inside++
		}
	}
	fmt.Printf("Bundle:        %s\n", model.BundleID)
	fmt.Printf("Iteration:     %d\n", iteration)
	fmt.Printf("Voxels:        %d (%d inside, %d outside)\n", model.NumVoxels(), inside, model.NumVoxels()-inside)
	fmt.Printf("Grid points:   %d\n", model.NumGridPoints())
	fmt.Printf("Color degree:  %d of %d\n", model.ActiveSHDegree, model.MaxSHDegree)
	fmt.Printf("Scene center:  %v\n", model.Bounds.Center)
	fmt.Printf("Inside extent: %g\n", model.Bounds.InsideExtent)
	fmt.Printf("Scene extent:  %g (outside level %d)\n", model.Bounds.SceneExtent, model.Bounds.OutsideLevel)

	if *outPath != "" {
		if err := model.Save(*outPath, *quantize); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		fmt.Printf("Saved %s (quantize=%v)\n", *outPath, *quantize)
	}
}
