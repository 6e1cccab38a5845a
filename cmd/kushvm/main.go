// Copyright 2024 The KushOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kushvm boots the VM core against a machine description and reports the
// resulting address-space layout. It exists to exercise bring-up outside the
// test suite.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tristanseifert/kush-os-rewrite/pkg/boot"
	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

var (
	handoffPath = flag.String("handoff", "", "path to a TOML machine description")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useLogrus   = flag.Bool("logrus", false, "emit logs through logrus")
)

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.Debug)
	}
	if *useLogrus {
		l := logrus.New()
		if *debug {
			l.SetLevel(logrus.DebugLevel)
		}
		log.SetTarget(log.NewLogrusEmitter(l))
	}

	if *handoffPath == "" {
		fmt.Fprintln(os.Stderr, "usage: kushvm -handoff <machine.toml>")
		os.Exit(2)
	}

	h, err := boot.Load(*handoffPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kushvm: %v\n", err)
		os.Exit(1)
	}

	sys, err := boot.Setup(h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kushvm: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("processors:      %d\n", sys.Machine.NumCPUs())
	fmt.Printf("managed pages:   %d (%d free)\n", sys.Phys.TotalPages(), sys.Phys.FreePageCount())
	fmt.Printf("page sizes:      %v\n", sys.Phys.PageSizes())
	fmt.Printf("kernel boundary: %#x\n", uint64(memarch.Addr(memarch.KernelBoundary)))
	fmt.Printf("aperture:        %#x .. %#x\n",
		uint64(memarch.Addr(memarch.PhysApertureStart)), uint64(memarch.Addr(memarch.PhysApertureEnd)))
	fmt.Printf("valloc:          %#x .. %#x\n",
		uint64(memarch.Addr(memarch.VAllocStart)), uint64(memarch.Addr(memarch.VAllocEnd)))

	// Prove the image mapping with a translation through the kernel tables.
	if h.Kernel.TextLength != 0 {
		m, ok, err := sys.KernelMap.PageTables().Resolve(memarch.KernelImageBase)
		if err == nil && ok {
			fmt.Printf(".text:           %#x -> %#x (%s)\n",
				uint64(memarch.Addr(memarch.KernelImageBase)), m.Phys, m.Mode)
		}
	}
}
