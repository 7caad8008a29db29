// Command piorun launches N local instances of a PARIO program, wiring each
// one's -mpi-addr/-mpi-alladdr flags so internal/mpi's World can dial the
// full mesh (see mpi.Join). It also understands a Slurm allocation's node
// list, for launching the same program once per allocated node with srun
// instead of locally.
//
// Local mode:
//	piorun 4 ./myprog -workdir /tmp/myprog
//
// Slurm mode, inside an salloc allocation:
//	piorun -nodelist $SLURM_NODELIST ./myprog -workdir /tmp/myprog
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

const basePort = 5000

func main() {
	nodelist := flag.String("nodelist", "", "Slurm SLURM_NODELIST-style node list; launches one instance per node via srun instead of locally")
	flag.Parse()
	args := flag.Args()

	if *nodelist != "" {
		if len(args) < 1 {
			log.Fatal("piorun -nodelist: must be called with the program name")
		}
		runSlurm(*nodelist, args[0], args[1:])
		return
	}

	if len(args) < 2 {
		log.Fatal("piorun: must have at least a node count and an executable: piorun N ./prog [args...]")
	}
	nNodes, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatal("piorun: parsing node count: ", err)
	}
	if nNodes < 1 {
		log.Fatal("piorun: node count must be positive")
	}
	runLocal(nNodes, args[1], args[2:])
}

// runLocal launches nNodes copies of execName on localhost, one port apart,
// exactly as gompirun does (see DESIGN.md).
func runLocal(nNodes int, execName string, progArgs []string) {
	ports := make([]string, nNodes)
	for i := range ports {
		ports[i] = ":" + strconv.Itoa(basePort+i)
	}
	alladdr := strings.Join(ports, ",")

	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func(port string) {
			defer wg.Done()
			a := append(append([]string(nil), progArgs...), "-mpi-addr", port, "-mpi-alladdr", alladdr)
			cmd := exec.Command(execName, a...)
			cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
			if err := cmd.Run(); err != nil {
				log.Printf("piorun: %s %s: %v", execName, port, err)
			}
		}(port)
	}
	wg.Wait()
}

// runSlurm launches one copy of execName per node in nodelist, via srun,
// addressing each at hostname:basePort. nodelist is expanded the same way
// SLURM_NODELIST/SLURM_JOB_NODELIST format hostnames: a bare name, or a name
// followed by a bracketed, comma-separated list of numbers/ranges.
func runSlurm(nodelistStr, execName string, progArgs []string) {
	nodes := expandNodelist(nodelistStr)
	if len(nodes) == 0 {
		log.Fatal("piorun: -nodelist expanded to zero nodes")
	}
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n + ":" + strconv.Itoa(basePort)
	}
	alladdr := strings.Join(addrs, ",")

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			a := []string{"-N1", "-n1", "--nodelist", node, execName}
			a = append(a, progArgs...)
			a = append(a, "-mpi-addr", addrs[i], "-mpi-alladdr", alladdr)
			cmd := exec.Command("srun", a...)
			cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
			if err := cmd.Run(); err != nil {
				log.Printf("piorun: srun on %s: %v", node, err)
			}
		}(i, node)
	}
	wg.Wait()
}

// expandNodelist turns a Slurm-style node list ("node[1-3,7],other") into
// the full list of hostnames it names.
func expandNodelist(nodelistStr string) []string {
	var nodes []string
	for _, entry := range splitTopLevel(nodelistStr) {
		strs := strings.SplitN(entry, "[", 2)
		if len(strs) == 1 {
			nodes = append(nodes, strs[0])
			continue
		}
		root := strs[0]
		inner := strings.TrimSuffix(strs[1], "]")
		for _, rng := range strings.Split(inner, ",") {
			bounds := strings.SplitN(rng, "-", 2)
			low, err := strconv.Atoi(bounds[0])
			if err != nil {
				log.Fatalf("piorun: parsing nodelist %q: %v", nodelistStr, err)
			}
			if len(bounds) == 1 {
				nodes = append(nodes, root+bounds[0])
				continue
			}
			high, err := strconv.Atoi(bounds[1])
			if err != nil {
				log.Fatalf("piorun: parsing nodelist %q: %v", nodelistStr, err)
			}
			for i := low; i <= high; i++ {
				nodes = append(nodes, fmt.Sprintf("%s%d", root, i))
			}
		}
	}
	return nodes
}

// splitTopLevel splits a node list on commas that are not inside a bracketed
// range, since a range itself may contain commas ("node[1-3,7]").
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
