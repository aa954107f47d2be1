package resolver

import "sort"

// unionFind is a disjoint-set forest over entity ids with path compression and
// union by rank. Each root tracks its members and its smallest member, which
// is the cluster's canonical id.
type unionFind struct {
	parent  map[string]string
	rank    map[string]int
	members map[string][]string
	min     map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent:  map[string]string{},
		rank:    map[string]int{},
		members: map[string][]string{},
		min:     map[string]string{},
	}
}

func (u *unionFind) add(id string) {
	if _, ok := u.parent[id]; ok {
		return
	}
	u.parent[id] = id
	u.members[id] = []string{id}
	u.min[id] = id
}

func (u *unionFind) has(id string) bool {
	_, ok := u.parent[id]
	return ok
}

// find returns the root of id. Unknown ids are their own root.
func (u *unionFind) find(id string) string {
	root, ok := u.parent[id]
	if !ok {
		return id
	}
	for root != u.parent[root] {
		root = u.parent[root]
	}
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

// root is find without path compression, safe under a read lock.
func (u *unionFind) root(id string) string {
	root, ok := u.parent[id]
	if !ok {
		return id
	}
	for root != u.parent[root] {
		root = u.parent[root]
	}
	return root
}

func (u *unionFind) union(a, b string) string {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return ra
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
	u.members[ra] = append(u.members[ra], u.members[rb]...)
	if u.min[rb] < u.min[ra] {
		u.min[ra] = u.min[rb]
	}
	delete(u.members, rb)
	delete(u.min, rb)
	delete(u.rank, rb)
	return ra
}

// canonical returns the smallest id in the cluster of id.
func (u *unionFind) canonical(id string) string {
	if !u.has(id) {
		return id
	}
	return u.min[u.root(id)]
}

// cluster returns the sorted members of the cluster of id.
func (u *unionFind) cluster(id string) []string {
	if !u.has(id) {
		return []string{id}
	}
	members := append([]string(nil), u.members[u.root(id)]...)
	sort.Strings(members)
	return members
}

func (u *unionFind) size(id string) int {
	if !u.has(id) {
		return 1
	}
	return len(u.members[u.root(id)])
}

// multiClusters counts clusters with more than one member.
func (u *unionFind) multiClusters() int {
	n := 0
	for _, members := range u.members {
		if len(members) > 1 {
			n++
		}
	}
	return n
}
