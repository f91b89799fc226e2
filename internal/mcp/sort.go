package mcp

import "sort"

func sortServerInfo(list []ServerInfo) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}

func sortToolInfo(list []ToolInfo) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Server != list[j].Server {
			return list[i].Server < list[j].Server
		}
		return list[i].Name < list[j].Name
	})
}
