// Package selection trains candidate model families with cross-validated
// hyperparameter search, tracks every run and promotes the best model.
package selection

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// StratifiedSplit shuffles and splits sample indices into train and test
// sets that preserve class proportions. Every class needs at least two
// members and ends up in both sets.
func StratifiedSplit(y []int, testSize float64, seed int64) (train, test []int, err error) {
	n := len(y)
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("%w: test size must be in (0, 1), got %g", domain.ErrValidation, testSize)
	}

	classes, members := groupByClass(y)
	if len(classes) < 2 {
		return nil, nil, fmt.Errorf("%w: need two label classes, got %d", domain.ErrInsufficientData, len(classes))
	}
	for i, c := range classes {
		if len(members[i]) < 2 {
			return nil, nil, fmt.Errorf("%w: class %d has only %d member(s)", domain.ErrInsufficientData, c, len(members[i]))
		}
	}

	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest < len(classes) || n-nTest < len(classes) {
		return nil, nil, fmt.Errorf("%w: %d samples cannot be split %g/%g across %d classes",
			domain.ErrInsufficientData, n, 1-testSize, testSize, len(classes))
	}

	counts := make([]int, len(classes))
	for i := range members {
		counts[i] = len(members[i])
	}
	alloc := allocate(counts, nTest)

	rng := rand.New(rand.NewSource(seed))
	for i, idx := range members {
		perm := rng.Perm(len(idx))
		for k, p := range perm {
			if k < alloc[i] {
				test = append(test, idx[p])
			} else {
				train = append(train, idx[p])
			}
		}
	}

	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	return train, test, nil
}

// allocate distributes total draws across classes proportionally to counts,
// rounding by largest remainder, and then guarantees every class at least
// one draw and at least one left over.
func allocate(counts []int, total int) []int {
	n := 0
	for _, c := range counts {
		n += c
	}

	alloc := make([]int, len(counts))
	rem := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		exact := float64(total) * float64(c) / float64(n)
		alloc[i] = int(math.Floor(exact))
		rem[i] = exact - float64(alloc[i])
		assigned += alloc[i]
	}

	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rem[order[a]] > rem[order[b]] })
	for k := 0; assigned < total; k++ {
		alloc[order[k%len(order)]]++
		assigned++
	}

	for i := range alloc {
		if alloc[i] == 0 {
			donor := argmax(alloc)
			alloc[donor]--
			alloc[i]++
		}
		if alloc[i] == counts[i] {
			alloc[i]--
			recv := -1
			for j := range alloc {
				if alloc[j] < counts[j]-1 && (recv < 0 || counts[j]-alloc[j] > counts[recv]-alloc[recv]) {
					recv = j
				}
			}
			if recv >= 0 {
				alloc[recv]++
			}
		}
	}
	return alloc
}

func argmax(v []int) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// groupByClass returns the sorted distinct labels and, per label, the
// sample indices in original order.
func groupByClass(y []int) ([]int, [][]int) {
	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	members := make([][]int, len(classes))
	for i, c := range classes {
		members[i] = byClass[c]
	}
	return classes, members
}

// Fold is one train/validation partition of a training set.
type Fold struct {
	Train []int
	Valid []int
}

// StratifiedKFold partitions sample indices into k folds without shuffling.
// Each class is dealt across folds in its original order so that fold class
// proportions match the whole set as closely as possible.
func StratifiedKFold(y []int, k int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", domain.ErrValidation, k)
	}
	if len(y) < k {
		return nil, fmt.Errorf("%w: %d samples cannot fill %d folds", domain.ErrInsufficientData, len(y), k)
	}

	classes, members := groupByClass(y)
	classIndex := make(map[int]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	// deal the sorted label sequence round-robin to get per-fold class counts
	sortedY := append([]int(nil), y...)
	sort.Ints(sortedY)
	alloc := make([][]int, k)
	for f := range alloc {
		alloc[f] = make([]int, len(classes))
	}
	for j, c := range sortedY {
		alloc[j%k][classIndex[c]]++
	}

	foldOf := make([]int, len(y))
	for ci, idx := range members {
		pos := 0
		for f := 0; f < k; f++ {
			for m := 0; m < alloc[f][ci]; m++ {
				foldOf[idx[pos]] = f
				pos++
			}
		}
	}

	folds := make([]Fold, k)
	for i, f := range foldOf {
		for g := range folds {
			if g == f {
				folds[g].Valid = append(folds[g].Valid, i)
			} else {
				folds[g].Train = append(folds[g].Train, i)
			}
		}
	}
	return folds, nil
}
