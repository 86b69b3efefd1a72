/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package seal initializes a cluster and unseals its nodes.
//
// The InitCoordinator issues at most one init per cluster and hands back the
// key shares as UnsealMaterial. The UnsealCoordinator feeds those shares to
// every sealed node. Material outlives a run only through a KeyCustodian.
package seal
