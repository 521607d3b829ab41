package services

import (
	"context"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/httperr"
	"github.com/lineagekeep/lineagekeep/pkg/namenorm"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
)

const (
	errTokensRequired = "TOKENS_REQUIRED"
	errInvalidOffset  = "INVALID_OFFSET"
)

// maxChainDepth is the hard recursion cap when walking parent links.
// The visited set already guarantees termination; this is the second
// line of defense against data-integrity bugs.
const maxChainDepth = 20

// displayChainCap bounds the rendered ancestor chain.
const displayChainCap = 5

const defaultChainCacheSize = 4096

type SearchRequest struct {
	Tokens []string
	Limit  int
	Offset int
}

type SearchService interface {
	SearchByNameSequence(ctx context.Context, req SearchRequest) ([]types.MatchResult, error)
	// InvalidatePrefix drops every cached chain whose path lies under
	// path (inclusive). Mutations call this when a reparent rewrites a
	// prefix or a display name changes.
	InvalidatePrefix(path string)
}

type cachedChain struct {
	path       string
	normalized []string
	display    []string
}

type searchService struct {
	store ports.TreeReadStore
	cache *lru.Cache[int64, cachedChain]
}

func NewSearchService(store ports.TreeReadStore, cacheSize int) (SearchService, error) {
	if cacheSize <= 0 {
		cacheSize = defaultChainCacheSize
	}
	cache, err := lru.New[int64, cachedChain](cacheSize)
	if err != nil {
		return nil, err
	}
	return &searchService{store: store, cache: cache}, nil
}

func (s *searchService) InvalidatePrefix(path string) {
	if path == "" {
		s.cache.Purge()
		return
	}
	for _, id := range s.cache.Keys() {
		entry, ok := s.cache.Peek(id)
		if !ok {
			continue
		}
		if treepath.IsDescendantOf(entry.path, path) {
			s.cache.Remove(id)
		}
	}
}

func (s *searchService) SearchByNameSequence(ctx context.Context, req SearchRequest) ([]types.MatchResult, error) {
	query := namenorm.FoldAll(req.Tokens)
	if len(query) == 0 {
		return nil, httperr.NewBadRequest(errTokensRequired)
	}
	if req.Limit < MinBranchLimit || req.Limit > MaxBranchLimit {
		return nil, httperr.NewBadRequest(errInvalidLimit)
	}
	if req.Offset < 0 {
		return nil, httperr.NewBadRequest(errInvalidOffset)
	}

	rows, err := s.store.ListLiveNames(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]ports.NameRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	results := make([]types.MatchResult, 0)
	names := make(map[int64]string, len(rows))
	chainLens := make(map[int64]int, len(rows))
	for _, row := range rows {
		chain := s.chainFor(row, byID)
		class, matched := classify(query, chain.normalized)
		if class == 0 {
			continue
		}
		results = append(results, types.MatchResult{
			NodeID:        row.ID,
			DisplayChain:  renderChain(chain.display),
			MatchClass:    class,
			Score:         class*100 + matched,
			MatchedTokens: matched,
			Generation:    row.Generation,
		})
		names[row.ID] = chain.normalized[len(chain.normalized)-1]
		chainLens[row.ID] = len(chain.normalized)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Coverage next: a query naming the whole chain (the root itself
		// for a root-name query) outranks deeper chains it merely begins.
		// Compared as matched/len ratios via cross-multiplication.
		ac, bc := a.MatchedTokens*chainLens[b.NodeID], b.MatchedTokens*chainLens[a.NodeID]
		if ac != bc {
			return ac > bc
		}
		if a.Generation != b.Generation {
			return a.Generation > b.Generation
		}
		if names[a.NodeID] != names[b.NodeID] {
			return names[a.NodeID] < names[b.NodeID]
		}
		return a.NodeID < b.NodeID
	})

	if req.Offset >= len(results) {
		return []types.MatchResult{}, nil
	}
	results = results[req.Offset:]
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// chainFor returns the root-to-node name chain, from cache when the
// node's path is unchanged since the chain was computed.
func (s *searchService) chainFor(row ports.NameRow, byID map[int64]ports.NameRow) cachedChain {
	if cached, ok := s.cache.Get(row.ID); ok && cached.path == row.Path {
		return cached
	}

	visited := make(map[int64]bool, 8)
	reversed := make([]ports.NameRow, 0, 8)
	current, ok := row, true
	for ok && !visited[current.ID] && len(reversed) < maxChainDepth {
		visited[current.ID] = true
		reversed = append(reversed, current)
		if current.ParentID == nil {
			break
		}
		current, ok = byID[*current.ParentID]
	}

	chain := cachedChain{
		path:       row.Path,
		normalized: make([]string, 0, len(reversed)),
		display:    make([]string, 0, len(reversed)),
	}
	for i := len(reversed) - 1; i >= 0; i-- {
		chain.normalized = append(chain.normalized, namenorm.Fold(reversed[i].DisplayName))
		chain.display = append(chain.display, reversed[i].DisplayName)
	}
	s.cache.Add(row.ID, chain)
	return chain
}

// classify returns the match class (0 = no match) and the number of
// matching query tokens. Classes in descending priority: exact prefix of
// the chain, in-order subsequence, word-level overlap for single-token
// queries.
func classify(query, chain []string) (int, int) {
	if isPrefix(query, chain) {
		return types.MatchClassPrefix, len(query)
	}
	if isSubsequence(query, chain) {
		return types.MatchClassSubsequence, len(query)
	}
	if len(query) == 1 && hasWordOverlap(query[0], chain) {
		return types.MatchClassOverlap, 1
	}
	return 0, 0
}

func isPrefix(query, chain []string) bool {
	if len(query) > len(chain) {
		return false
	}
	for i, token := range query {
		if chain[i] != token {
			return false
		}
	}
	return true
}

func isSubsequence(query, chain []string) bool {
	qi := 0
	for _, name := range chain {
		if qi < len(query) && name == query[qi] {
			qi++
		}
	}
	return qi == len(query)
}

func hasWordOverlap(token string, chain []string) bool {
	for _, name := range chain {
		for _, word := range strings.Fields(name) {
			if word == token {
				return true
			}
		}
	}
	return false
}

func renderChain(display []string) string {
	if len(display) > displayChainCap {
		display = display[len(display)-displayChainCap:]
	}
	return strings.Join(display, " > ")
}
